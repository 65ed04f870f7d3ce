package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/teledeck/teledeck/pkg/bus"
	"github.com/teledeck/teledeck/pkg/config"
	"github.com/teledeck/teledeck/pkg/logger"
)

// callbackPrefix tags inline keyboard callback data that carries a
// command-table key.
const callbackPrefix = "cmd:"

// TelegramChannel bridges Telegram and the event bus. It translates
// updates into the three inbound event shapes (command word, button tap,
// plain text) and renders outbound replies, attaching inline keyboards
// and splitting oversized messages.
type TelegramChannel struct {
	bot     *telego.Bot
	config  config.TelegramConfig
	bus     *bus.EventBus
	running atomic.Bool
}

func NewTelegramChannel(cfg config.TelegramConfig, eb *bus.EventBus) (*TelegramChannel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		bot:    bot,
		config: cfg,
		bus:    eb,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.running.Store(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]any{
		"username": c.bot.Username(),
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				if update.CallbackQuery != nil {
					c.handleCallback(ctx, *update.CallbackQuery)
				}
				if update.Message != nil {
					c.handleMessage(ctx, *update.Message)
				}
			}
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	c.running.Store(false)
	return nil
}

func (c *TelegramChannel) IsRunning() bool {
	return c.running.Load()
}

// handleCallback maps an inline keyboard tap to a button event. The
// callback is answered immediately so the client stops its spinner even
// when the command itself takes a while.
func (c *TelegramChannel) handleCallback(ctx context.Context, query telego.CallbackQuery) {
	if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		logger.DebugCF("telegram", "Failed to answer callback query", map[string]any{
			"error": err.Error(),
		})
	}

	if !strings.HasPrefix(query.Data, callbackPrefix) {
		return
	}
	key := strings.TrimPrefix(query.Data, callbackPrefix)

	if query.Message == nil {
		return
	}
	chatID := query.Message.GetChat().ID

	c.bus.PublishInbound(bus.InboundEvent{
		Channel:  "telegram",
		SenderID: fmt.Sprintf("%d", query.From.ID),
		ChatID:   fmt.Sprintf("%d", chatID),
		Kind:     bus.EventButton,
		Key:      key,
		Metadata: map[string]string{
			"username": query.From.Username,
		},
	})
}

func (c *TelegramChannel) handleMessage(ctx context.Context, message telego.Message) {
	user := message.From
	if user == nil || message.Text == "" {
		return
	}

	senderID := fmt.Sprintf("%d", user.ID)
	chatID := fmt.Sprintf("%d", message.Chat.ID)

	ev := bus.InboundEvent{
		Channel:  "telegram",
		SenderID: senderID,
		ChatID:   chatID,
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"username":   user.Username,
		},
	}

	if word, ok := parseCommandWord(message.Text); ok {
		ev.Kind = bus.EventCommand
		ev.Command = word
	} else {
		ev.Kind = bus.EventText
		ev.Text = message.Text
	}

	logger.DebugCF("telegram", "Received update", map[string]any{
		"sender_id": senderID,
		"kind":      string(ev.Kind),
	})

	// Typing indicator while the dispatcher works on it.
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(message.Chat.ID), telego.ChatActionTyping)); err != nil {
		logger.DebugCF("telegram", "Failed to send chat action", map[string]any{
			"error": err.Error(),
		})
	}

	c.bus.PublishInbound(ev)
}

// parseCommandWord extracts a slash command from message text, tolerating
// the /word@botname form Telegram uses in groups.
func parseCommandWord(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word := strings.Fields(text)[0]
	word = strings.TrimPrefix(word, "/")
	if at := strings.Index(word, "@"); at >= 0 {
		word = word[:at]
	}
	if word == "" {
		return "", false
	}
	return strings.ToLower(word), true
}

// Send delivers one outbound message, splitting it into Telegram-sized
// chunks. The keyboard, when present, rides on the first chunk.
func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	chunks := splitMessageContent(msg.Content, telegramSplitTarget)
	if len(chunks) == 0 {
		return nil
	}

	keyboard := buildKeyboard(msg.Keyboard)
	for i, chunk := range chunks {
		var markup *telego.InlineKeyboardMarkup
		if i == 0 {
			markup = keyboard
		}
		if err := c.sendChunk(ctx, chatID, chunk, msg.Monospace, markup); err != nil {
			return err
		}
	}
	return nil
}

func (c *TelegramChannel) sendChunk(ctx context.Context, chatID int64, content string, monospace bool, markup *telego.InlineKeyboardMarkup) error {
	tgMsg := tu.Message(tu.ID(chatID), renderHTML(content, monospace))
	tgMsg.ParseMode = telego.ModeHTML
	if markup != nil {
		tgMsg.ReplyMarkup = markup
	}

	if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
		logger.ErrorCF("telegram", "HTML send failed, falling back to plain text", map[string]any{
			"error": err.Error(),
		})
		plainMsg := tu.Message(tu.ID(chatID), content)
		if markup != nil {
			plainMsg.ReplyMarkup = markup
		}
		_, fallbackErr := c.bot.SendMessage(ctx, plainMsg)
		return fallbackErr
	}
	return nil
}

// buildKeyboard turns layout rows into an inline keyboard, nil when there
// is nothing to attach.
func buildKeyboard(rows [][]bus.Button) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kbRows := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		kbRow := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			kbRow = append(kbRow, telego.InlineKeyboardButton{
				Text:         btn.Label,
				CallbackData: callbackPrefix + btn.Key,
			})
		}
		if len(kbRow) > 0 {
			kbRows = append(kbRows, kbRow)
		}
	}
	if len(kbRows) == 0 {
		return nil
	}
	return tu.InlineKeyboard(kbRows...)
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
