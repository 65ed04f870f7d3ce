package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/teledeck/teledeck/pkg/auth"
	"github.com/teledeck/teledeck/pkg/bus"
	"github.com/teledeck/teledeck/pkg/logger"
	"github.com/teledeck/teledeck/pkg/menu"
	"github.com/teledeck/teledeck/pkg/session"
	"github.com/teledeck/teledeck/pkg/sshexec"
)

const (
	replyDenied    = "⛔️ Access denied."
	replyPrompt    = "✍️ Type a command (or /cancel):"
	replyReloaded  = "♻️ Config reloaded."
	replyUnknown   = "Unknown command."
	replyCancelled = "Cancelled."
	replyEmptyCmd  = "Empty command."
	replyUsage     = "Press a button or use /manual to type a command. /reload reloads the menu."
)

// Executor runs one shell command on the remote host. Satisfied by
// *sshexec.Runner; tests substitute a fake.
type Executor interface {
	Run(ctx context.Context, command string) sshexec.Result
}

// Dispatcher is the orchestrator: it consumes inbound events from the bus,
// gates senders, resolves buttons and command words against the active menu
// snapshot, drives the per-sender mode machine and invokes the executor.
//
// Events for one sender are processed in arrival order by a dedicated
// worker; different senders run in parallel. A blocked remote execution
// therefore stalls only its own sender.
type Dispatcher struct {
	bus      *bus.EventBus
	store    *menu.Store
	gate     *auth.Allowlist
	sessions *session.Tracker
	exec     Executor

	mu      sync.Mutex
	workers map[string]*senderQueue
	wg      sync.WaitGroup
	stop    chan struct{}
}

// senderQueue holds one sender's pending events. It grows as needed so
// enqueueing never blocks: a sender backed up behind a slow execution must
// not hold up the fan-out loop, and with it every other sender.
type senderQueue struct {
	mu      sync.Mutex
	pending []bus.InboundEvent
	wake    chan struct{}
}

func newSenderQueue() *senderQueue {
	return &senderQueue{wake: make(chan struct{}, 1)}
}

func (q *senderQueue) push(ev bus.InboundEvent) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *senderQueue) pop() (bus.InboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return bus.InboundEvent{}, false
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	return ev, true
}

func NewDispatcher(eb *bus.EventBus, store *menu.Store, gate *auth.Allowlist, sessions *session.Tracker, exec Executor) *Dispatcher {
	return &Dispatcher{
		bus:      eb,
		store:    store,
		gate:     gate,
		sessions: sessions,
		exec:     exec,
		workers:  make(map[string]*senderQueue),
		stop:     make(chan struct{}),
	}
}

// Run consumes inbound events until ctx is cancelled or the bus closes,
// fanning them out to per-sender workers. It returns once every worker
// has stopped.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.InfoC("dispatch", "Dispatcher started")
	for {
		ev, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		d.enqueue(ctx, ev)
	}
	close(d.stop)
	d.wg.Wait()
	logger.InfoC("dispatch", "Dispatcher stopped")
}

func (d *Dispatcher) enqueue(ctx context.Context, ev bus.InboundEvent) {
	d.mu.Lock()
	queue, ok := d.workers[ev.SenderID]
	if !ok {
		queue = newSenderQueue()
		d.workers[ev.SenderID] = queue
		d.wg.Add(1)
		go d.senderWorker(ctx, queue)
	}
	d.mu.Unlock()
	queue.push(ev)
}

func (d *Dispatcher) senderWorker(ctx context.Context, queue *senderQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-queue.wake:
			for {
				ev, ok := queue.pop()
				if !ok {
					break
				}
				d.HandleEvent(ctx, ev)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// HandleEvent processes one inbound event and emits at most one reply.
// Side effects per event: one reply, at most one mode change, at most one
// remote execution, at most one menu reload.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev bus.InboundEvent) {
	if !d.gate.Allowed(ev.SenderID) {
		logger.DebugCF("dispatch", "Sender rejected by allowlist", map[string]any{
			"sender_id": ev.SenderID,
		})
		d.replyPlain(ev, replyDenied)
		return
	}

	switch ev.Kind {
	case bus.EventCommand:
		d.handleCommand(ctx, ev)
	case bus.EventButton:
		d.handleButton(ctx, ev)
	case bus.EventText:
		d.handleText(ctx, ev)
	default:
		logger.WarnCF("dispatch", "Dropping event of unknown kind", map[string]any{
			"kind": string(ev.Kind),
		})
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev bus.InboundEvent) {
	switch ev.Command {
	case "start", "help":
		d.replyMenu(ev, "")
	case "reload":
		snap, err := d.store.Reload()
		if err != nil {
			d.replyPlain(ev, fmt.Sprintf("Reload failed: %v", err))
			return
		}
		d.reply(bus.OutboundMessage{
			Channel:  ev.Channel,
			ChatID:   ev.ChatID,
			Content:  replyReloaded + "\n\n" + snap.Title,
			Keyboard: keyboardFor(snap),
		})
	case "manual":
		d.sessions.SetMode(ev.SenderID, session.AwaitingManualCommand)
		d.replyPlain(ev, replyPrompt)
	case "cancel":
		d.sessions.SetMode(ev.SenderID, session.Idle)
		d.replyPlain(ev, replyCancelled)
	default:
		d.replyPlain(ev, replyUnknown)
	}
}

func (d *Dispatcher) handleButton(ctx context.Context, ev bus.InboundEvent) {
	snap := d.store.Active()
	cmd, ok := snap.Lookup(ev.Key)
	if !ok {
		d.replyPlain(ev, replyUnknown)
		return
	}

	if cmd.Manual {
		d.sessions.SetMode(ev.SenderID, session.AwaitingManualCommand)
		d.replyPlain(ev, replyPrompt)
		return
	}

	// A recognized fixed command always lands the sender back in Idle,
	// even if they were mid-manual-entry.
	d.sessions.SetMode(ev.SenderID, session.Idle)
	d.execute(ctx, ev, cmd.Exec)
}

func (d *Dispatcher) handleText(ctx context.Context, ev bus.InboundEvent) {
	if d.sessions.Mode(ev.SenderID) != session.AwaitingManualCommand {
		d.replyMenu(ev, replyUsage)
		return
	}

	command := strings.TrimSpace(ev.Text)
	if command == "" {
		// Stay in manual mode; an empty line is not a command.
		d.replyPlain(ev, replyEmptyCmd)
		return
	}

	// Reset before formatting so a failed execution never traps the
	// sender in manual mode.
	d.sessions.SetMode(ev.SenderID, session.Idle)
	d.execute(ctx, ev, command)
}

func (d *Dispatcher) execute(ctx context.Context, ev bus.InboundEvent, command string) {
	logger.InfoCF("dispatch", "Executing command", map[string]any{
		"sender_id": ev.SenderID,
		"command":   command,
	})
	res := d.exec.Run(ctx, command)
	d.reply(bus.OutboundMessage{
		Channel:   ev.Channel,
		ChatID:    ev.ChatID,
		Content:   FormatResult(res),
		Monospace: true,
	})
}

// FormatResult renders an execution outcome as reply text: a status header
// followed by the captured output.
func FormatResult(res sshexec.Result) string {
	var head string
	switch res.Status {
	case sshexec.StatusOK:
		head = "✅ Success"
	case sshexec.StatusExit:
		head = fmt.Sprintf("❗️ Exit code %d", res.ExitCode)
	case sshexec.StatusTimeout:
		return fmt.Sprintf("⏱ Timeout: %s", res.Diag)
	default:
		return fmt.Sprintf("🚫 Transport error: %s", res.Diag)
	}

	body := strings.TrimSpace(res.Output)
	if body == "" {
		body = "(empty)"
	}
	if res.Truncated {
		body += "\n… (output truncated)"
	}
	return head + "\n" + body
}

func (d *Dispatcher) replyMenu(ev bus.InboundEvent, note string) {
	snap := d.store.Active()
	content := snap.Title
	if note != "" {
		content += "\n\n" + note
	}
	d.reply(bus.OutboundMessage{
		Channel:  ev.Channel,
		ChatID:   ev.ChatID,
		Content:  content,
		Keyboard: keyboardFor(snap),
	})
}

func (d *Dispatcher) replyPlain(ev bus.InboundEvent, content string) {
	d.reply(bus.OutboundMessage{
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		Content: content,
	})
}

func (d *Dispatcher) reply(msg bus.OutboundMessage) {
	d.bus.PublishOutbound(msg)
}

// keyboardFor renders the active layout as rows of (label, key) buttons.
// Validation guarantees every key resolves, so lookups cannot miss.
func keyboardFor(snap *menu.Snapshot) [][]bus.Button {
	rows := make([][]bus.Button, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		buttons := make([]bus.Button, 0, len(row))
		for _, key := range row {
			cmd, ok := snap.Lookup(key)
			if !ok {
				continue
			}
			buttons = append(buttons, bus.Button{Label: cmd.Title, Key: key})
		}
		if len(buttons) > 0 {
			rows = append(rows, buttons)
		}
	}
	return rows
}
