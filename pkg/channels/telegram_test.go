package channels

import (
	"testing"

	"github.com/teledeck/teledeck/pkg/bus"
)

func TestParseCommandWord(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/reload", "reload", true},
		{"/start extra args", "start", true},
		{"/MANUAL", "manual", true},
		{"/reload@opsbot", "reload", true},
		{"  /help  ", "help", true},
		{"uptime", "", false},
		{"/", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := parseCommandWord(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseCommandWord(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBuildKeyboard(t *testing.T) {
	markup := buildKeyboard([][]bus.Button{
		{{Label: "Status", Key: "status"}, {Label: "Disk", Key: "disk"}},
		{{Label: "Manual", Key: "custom"}},
	})
	if markup == nil {
		t.Fatal("expected a keyboard")
	}
	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(markup.InlineKeyboard))
	}
	btn := markup.InlineKeyboard[0][1]
	if btn.Text != "Disk" || btn.CallbackData != "cmd:disk" {
		t.Errorf("button = %+v", btn)
	}
}

func TestBuildKeyboard_EmptyIsNil(t *testing.T) {
	if buildKeyboard(nil) != nil {
		t.Error("nil rows must produce no markup")
	}
	if buildKeyboard([][]bus.Button{{}}) != nil {
		t.Error("rows of empty rows must produce no markup")
	}
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("-1001234567890")
	if err != nil || id != -1001234567890 {
		t.Errorf("parseChatID = %d, %v", id, err)
	}
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Error("expected error for garbage chat ID")
	}
}
