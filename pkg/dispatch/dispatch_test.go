package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teledeck/teledeck/pkg/auth"
	"github.com/teledeck/teledeck/pkg/bus"
	"github.com/teledeck/teledeck/pkg/menu"
	"github.com/teledeck/teledeck/pkg/session"
	"github.com/teledeck/teledeck/pkg/sshexec"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	result sshexec.Result
}

func (f *fakeExecutor) Run(_ context.Context, command string) sshexec.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	return f.result
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

const testMenu = `{
	"ui": {"title": "Ops", "rows": [["status"], ["custom"]]},
	"commands": {
		"status": {"title": "Status", "exec": "uptime"},
		"custom": {"title": "Manual", "manual": true}
	}
}`

type fixture struct {
	d        *Dispatcher
	bus      *bus.EventBus
	exec     *fakeExecutor
	sessions *session.Tracker
	store    *menu.Store
	menuPath string
}

func newFixture(t *testing.T, allowed ...string) *fixture {
	t.Helper()

	menuPath := filepath.Join(t.TempDir(), "menu.json")
	require.NoError(t, os.WriteFile(menuPath, []byte(testMenu), 0o644))

	store, err := menu.NewStore(menuPath)
	require.NoError(t, err)

	eb := bus.NewEventBus()
	t.Cleanup(eb.Close)

	exec := &fakeExecutor{result: sshexec.Result{Status: sshexec.StatusOK, Output: "ok"}}
	sessions := session.NewTracker()
	d := NewDispatcher(eb, store, auth.NewAllowlist(allowed), sessions, exec)

	return &fixture{d: d, bus: eb, exec: exec, sessions: sessions, store: store, menuPath: menuPath}
}

// handle runs one event synchronously and returns the single reply.
func (f *fixture) handle(t *testing.T, ev bus.InboundEvent) bus.OutboundMessage {
	t.Helper()
	f.d.HandleEvent(context.Background(), ev)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := f.bus.ConsumeOutbound(ctx)
	require.True(t, ok, "expected a reply")
	return msg
}

func buttonTap(sender, key string) bus.InboundEvent {
	return bus.InboundEvent{Channel: "telegram", SenderID: sender, ChatID: "chat-" + sender, Kind: bus.EventButton, Key: key}
}

func textMsg(sender, text string) bus.InboundEvent {
	return bus.InboundEvent{Channel: "telegram", SenderID: sender, ChatID: "chat-" + sender, Kind: bus.EventText, Text: text}
}

func commandWord(sender, word string) bus.InboundEvent {
	return bus.InboundEvent{Channel: "telegram", SenderID: sender, ChatID: "chat-" + sender, Kind: bus.EventCommand, Command: word}
}

func TestUnauthorizedSenderIsDeniedForEveryEventShape(t *testing.T) {
	f := newFixture(t, "1")
	before := f.store.Active()

	events := []bus.InboundEvent{
		buttonTap("666", "status"),
		textMsg("666", "rm -rf /"),
		commandWord("666", "reload"),
		commandWord("666", "manual"),
	}
	for _, ev := range events {
		reply := f.handle(t, ev)
		require.Equal(t, "⛔️ Access denied.", reply.Content)
	}

	require.Equal(t, 0, f.exec.callCount(), "executor must never run for denied senders")
	require.Same(t, before, f.store.Active(), "denied /reload must not touch the menu")
	require.Equal(t, session.Idle, f.sessions.Mode("666"), "denied sender state must stay untouched")
}

func TestButtonTapRunsFixedCommand(t *testing.T) {
	f := newFixture(t, "1")
	f.exec.result = sshexec.Result{Status: sshexec.StatusOK, Output: "up 5 days"}

	reply := f.handle(t, buttonTap("1", "status"))

	require.Equal(t, 1, f.exec.callCount())
	require.Equal(t, "uptime", f.exec.lastCall())
	require.Contains(t, reply.Content, "✅ Success")
	require.Contains(t, reply.Content, "up 5 days")
	require.True(t, reply.Monospace)
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

func TestManualButtonPromptsWithoutExecuting(t *testing.T) {
	f := newFixture(t, "1")

	reply := f.handle(t, buttonTap("1", "custom"))

	require.Equal(t, 0, f.exec.callCount(), "manual entry must not execute anything")
	require.Contains(t, reply.Content, "Type a command")
	require.Equal(t, session.AwaitingManualCommand, f.sessions.Mode("1"))
}

func TestManualTextExecutesVerbatimAndResetsMode(t *testing.T) {
	f := newFixture(t, "1")
	f.sessions.SetMode("1", session.AwaitingManualCommand)

	f.handle(t, textMsg("1", "df -h"))

	require.Equal(t, []string{"df -h"}, f.exec.calls)
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

func TestFailedManualCommandStillResetsMode(t *testing.T) {
	f := newFixture(t, "1")
	f.sessions.SetMode("1", session.AwaitingManualCommand)
	f.exec.result = sshexec.Result{Status: sshexec.StatusTransport, Diag: "connection refused"}

	reply := f.handle(t, textMsg("1", "df -h"))

	require.Contains(t, reply.Content, "Transport error")
	require.Contains(t, reply.Content, "connection refused")
	require.Equal(t, session.Idle, f.sessions.Mode("1"),
		"a failed manual command must not trap the session")
}

func TestEmptyManualTextStaysInManualMode(t *testing.T) {
	f := newFixture(t, "1")
	f.sessions.SetMode("1", session.AwaitingManualCommand)

	reply := f.handle(t, textMsg("1", "   "))

	require.Equal(t, "Empty command.", reply.Content)
	require.Equal(t, 0, f.exec.callCount())
	require.Equal(t, session.AwaitingManualCommand, f.sessions.Mode("1"))
}

func TestIdleTextGetsUsageHintWithoutExecution(t *testing.T) {
	f := newFixture(t, "1")

	reply := f.handle(t, textMsg("1", "uptime"))

	require.Equal(t, 0, f.exec.callCount())
	require.Contains(t, reply.Content, "/manual")
	require.NotEmpty(t, reply.Keyboard)
}

func TestButtonTapDuringManualModeWinsOverTextCapture(t *testing.T) {
	f := newFixture(t, "1")
	f.sessions.SetMode("1", session.AwaitingManualCommand)

	f.handle(t, buttonTap("1", "status"))

	require.Equal(t, "uptime", f.exec.lastCall(), "button taps always resolve as commands")
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

func TestUnknownButtonKey(t *testing.T) {
	f := newFixture(t, "1")

	reply := f.handle(t, buttonTap("1", "ghost"))

	require.Equal(t, "Unknown command.", reply.Content)
	require.Equal(t, 0, f.exec.callCount())
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

func TestUnknownCommandWord(t *testing.T) {
	f := newFixture(t, "1")

	reply := f.handle(t, commandWord("1", "selfdestruct"))

	require.Equal(t, "Unknown command.", reply.Content)
	require.Equal(t, 0, f.exec.callCount())
}

func TestStartRepliesWithMenuAndKeyboard(t *testing.T) {
	f := newFixture(t, "1")

	reply := f.handle(t, commandWord("1", "start"))

	require.Contains(t, reply.Content, "Ops")
	require.Equal(t, [][]bus.Button{
		{{Label: "Status", Key: "status"}},
		{{Label: "Manual", Key: "custom"}},
	}, reply.Keyboard)
}

func TestManualCommandWordEntersManualMode(t *testing.T) {
	f := newFixture(t, "1")

	reply := f.handle(t, commandWord("1", "manual"))

	require.Contains(t, reply.Content, "Type a command")
	require.Equal(t, session.AwaitingManualCommand, f.sessions.Mode("1"))
}

func TestCancelLeavesManualModeWithoutExecuting(t *testing.T) {
	f := newFixture(t, "1")
	f.sessions.SetMode("1", session.AwaitingManualCommand)

	reply := f.handle(t, commandWord("1", "cancel"))

	require.Equal(t, "Cancelled.", reply.Content)
	require.Equal(t, 0, f.exec.callCount())
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

func TestReloadFailureKeepsActiveMenuAndSurfacesError(t *testing.T) {
	f := newFixture(t, "1")
	before := f.store.Active()

	require.NoError(t, os.WriteFile(f.menuPath, []byte(`{"ui":{"rows":[["ghost"]]},"commands":{}}`), 0o644))

	reply := f.handle(t, commandWord("1", "reload"))

	require.Contains(t, reply.Content, "Reload failed")
	require.Contains(t, reply.Content, "ghost")
	require.Same(t, before, f.store.Active())

	// The old table still dispatches.
	f.handle(t, buttonTap("1", "status"))
	require.Equal(t, "uptime", f.exec.lastCall())
}

func TestReloadSuccess(t *testing.T) {
	f := newFixture(t, "1")

	require.NoError(t, os.WriteFile(f.menuPath, []byte(`{
		"ui": {"title": "Ops v2", "rows": [["status"]]},
		"commands": {"status": {"title": "Status", "exec": "uptime -p"}}
	}`), 0o644))

	reply := f.handle(t, commandWord("1", "reload"))

	require.Contains(t, reply.Content, "♻️ Config reloaded.")
	require.Contains(t, reply.Content, "Ops v2")
	require.NotEmpty(t, reply.Keyboard)

	f.handle(t, buttonTap("1", "status"))
	require.Equal(t, "uptime -p", f.exec.lastCall())
}

func TestSendersDoNotShareSessionState(t *testing.T) {
	f := newFixture(t, "1", "2")

	f.handle(t, commandWord("1", "manual"))
	reply := f.handle(t, textMsg("2", "hello"))

	require.Contains(t, reply.Content, "/manual", "sender 2 is idle and must get the usage hint")
	require.Equal(t, 0, f.exec.callCount())
	require.Equal(t, session.AwaitingManualCommand, f.sessions.Mode("1"))
	require.Equal(t, session.Idle, f.sessions.Mode("2"))

	// Sender 1's pending manual entry is unaffected by sender 2's traffic.
	f.handle(t, textMsg("1", "whoami"))
	require.Equal(t, "whoami", f.exec.lastCall())
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

func TestPerSenderOrderingThroughRun(t *testing.T) {
	f := newFixture(t, "1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.d.Run(ctx)

	// manual, then the command text: order matters, the second event only
	// executes because the first flipped the mode.
	f.bus.PublishInbound(commandWord("1", "manual"))
	f.bus.PublishInbound(textMsg("1", "uname -a"))

	for i := 0; i < 2; i++ {
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, ok := f.bus.ConsumeOutbound(rctx)
		rcancel()
		require.True(t, ok, "expected reply %d", i+1)
	}

	require.Equal(t, []string{"uname -a"}, f.exec.calls)
	require.Equal(t, session.Idle, f.sessions.Mode("1"))
}

// gatedExecutor blocks every call until release is closed.
type gatedExecutor struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (g *gatedExecutor) Run(ctx context.Context, _ string) sshexec.Result {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return sshexec.Result{Status: sshexec.StatusOK, Output: "done"}
}

func TestBackloggedSenderDoesNotStallOtherSenders(t *testing.T) {
	f := newFixture(t, "1", "2")
	slow := &gatedExecutor{release: make(chan struct{})}
	f.d.exec = slow

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.d.Run(ctx)

	// Flood sender 1 while its first execution is wedged; the backlog is
	// far deeper than any fixed queue would hold.
	for i := 0; i < 64; i++ {
		f.bus.PublishInbound(buttonTap("1", "status"))
	}
	f.bus.PublishInbound(textMsg("2", "hello"))

	// Sender 1 produces no reply until released, so the first outbound
	// message must be sender 2's usage hint.
	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	msg, ok := f.bus.ConsumeOutbound(rctx)
	require.True(t, ok, "sender 2 must not queue behind sender 1's backlog")
	require.Equal(t, "chat-2", msg.ChatID)

	close(slow.release)
}

func TestRunReturnsWhenBusCloses(t *testing.T) {
	f := newFixture(t, "1")

	done := make(chan struct{})
	go func() {
		f.d.Run(context.Background())
		close(done)
	}()

	// Spin up a worker, then close the bus with the context still live.
	f.bus.PublishInbound(commandWord("1", "start"))
	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, ok := f.bus.ConsumeOutbound(rctx)
	rcancel()
	require.True(t, ok)

	f.bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the bus closed")
	}
}

func TestFormatResult(t *testing.T) {
	cases := []struct {
		name string
		res  sshexec.Result
		want []string
	}{
		{"success", sshexec.Result{Status: sshexec.StatusOK, Output: "up 5 days"}, []string{"✅ Success", "up 5 days"}},
		{"empty output", sshexec.Result{Status: sshexec.StatusOK}, []string{"✅ Success", "(empty)"}},
		{"nonzero exit", sshexec.Result{Status: sshexec.StatusExit, ExitCode: 2, Output: "boom"}, []string{"❗️ Exit code 2", "boom"}},
		{"timeout", sshexec.Result{Status: sshexec.StatusTimeout, Diag: "no result within 25s"}, []string{"⏱ Timeout", "no result within 25s"}},
		{"transport", sshexec.Result{Status: sshexec.StatusTransport, Diag: "dial tcp: refused"}, []string{"🚫 Transport error", "dial tcp: refused"}},
		{"truncated", sshexec.Result{Status: sshexec.StatusOK, Output: "partial", Truncated: true}, []string{"partial", "… (output truncated)"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FormatResult(tc.res)
			for _, want := range tc.want {
				require.Contains(t, got, want)
			}
		})
	}
}
