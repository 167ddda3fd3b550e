// Package notify delivers fired alerts to chat channels.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// TelegramConfig configures the Telegram notifier
type TelegramConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Token   string  `mapstructure:"token"`
	ChatIDs []int64 `mapstructure:"chat_ids"`
	// APIEndpoint overrides the Bot API URL format, mostly for tests
	APIEndpoint string `mapstructure:"api_endpoint"`
}

// Sender sends one Bot API message; *tgbot.BotAPI implements it
type Sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram posts every fired alert to the configured chats
type Telegram struct {
	logger  *zap.Logger
	sender  Sender
	chatIDs []int64
	metrics *metrics.Metrics
}

// NewTelegram authenticates the bot token against the Bot API
func NewTelegram(logger *zap.Logger, cfg TelegramConfig, m *metrics.Metrics) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat_ids are empty")
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbot.APIEndpoint
	}
	bot, err := tgbot.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start telegram bot")
	}
	logger.Info("Telegram notifier ready",
		zap.String("bot", bot.Self.UserName),
		zap.Int("chats", len(cfg.ChatIDs)),
	)
	return NewTelegramWithSender(logger, bot, cfg.ChatIDs, m), nil
}

// NewTelegramWithSender creates a notifier over an existing sender. m may be nil.
func NewTelegramWithSender(logger *zap.Logger, sender Sender, chatIDs []int64, m *metrics.Metrics) *Telegram {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Telegram{
		logger:  logger,
		sender:  sender,
		chatIDs: append([]int64(nil), chatIDs...),
		metrics: m,
	}
}

// Notify sends ev to every chat. A failing chat does not stop the others;
// the first failure is returned.
func (t *Telegram) Notify(ctx context.Context, ev types.AlertEvent) error {
	text := FormatAlert(ev)

	var firstErr error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.sender.Send(tgbot.NewMessage(chatID, text)); err != nil {
			t.metrics.Notifications.WithLabelValues("telegram", "error").Inc()
			t.logger.Warn("Telegram notification failed",
				zap.Int64("chat_id", chatID),
				zap.String("alert_id", ev.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "Telegram.Notify: chat %d", chatID)
			}
			continue
		}
		t.metrics.Notifications.WithLabelValues("telegram", "ok").Inc()
	}
	return firstErr
}

// Subscribe delivers every AlertFired event on bus
func (t *Telegram) Subscribe(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe(events.EventTypeAlertFired, func(e events.Event) error {
		fired, ok := e.(*events.AlertFiredEvent)
		if !ok {
			return nil
		}
		return t.Notify(context.Background(), fired.Alert)
	}, events.SubscriptionOptions{Async: true})
}

// FormatAlert renders the message text of an alert
func FormatAlert(ev types.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 %s\n", ev.Symbol)
	fmt.Fprintf(&b, "%s\n", ev.Description)
	fmt.Fprintf(&b, "Price: %s\n", strconv.FormatFloat(ev.Snapshot.Price, 'f', -1, 64))
	fmt.Fprintf(&b, "Time: %s", ev.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}
