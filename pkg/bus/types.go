package bus

// EventKind discriminates the inbound event shapes the transport can deliver.
type EventKind string

const (
	// EventText is a plain typed message.
	EventText EventKind = "text"
	// EventCommand is a slash command word, e.g. "/reload".
	EventCommand EventKind = "command"
	// EventButton is an inline keyboard tap carrying a command key.
	EventButton EventKind = "button"
)

// InboundEvent is one authenticated event from the chat transport.
type InboundEvent struct {
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	ChatID   string    `json:"chat_id"`
	Kind     EventKind `json:"kind"`

	// Text holds the raw message for EventText events.
	Text string `json:"text,omitempty"`
	// Command holds the command word without the leading slash for
	// EventCommand events.
	Command string `json:"command,omitempty"`
	// Key holds the command-table key for EventButton events.
	Key string `json:"key,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Button is one rendered keyboard button: a label and the command key it fires.
type Button struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

// OutboundMessage is a reply for the chat transport to deliver.
// Keyboard, when non-nil, asks the transport to attach the button layout.
type OutboundMessage struct {
	Channel  string     `json:"channel"`
	ChatID   string     `json:"chat_id"`
	Content  string     `json:"content"`
	Keyboard [][]Button `json:"keyboard,omitempty"`
	// Monospace asks the transport to render Content as preformatted text.
	Monospace bool `json:"monospace,omitempty"`
}
