package notify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/notify"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []tgbot.MessageConfig
	failFor int64
}

func (s *recordingSender) Send(c tgbot.Chattable) (tgbot.Message, error) {
	msg, ok := c.(tgbot.MessageConfig)
	if !ok {
		return tgbot.Message{}, errors.New("unexpected chattable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ChatID == s.failFor {
		return tgbot.Message{}, errors.New("chat not found")
	}
	s.sent = append(s.sent, msg)
	return tgbot.Message{MessageID: len(s.sent)}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func sampleAlert() types.AlertEvent {
	return types.AlertEvent{
		ID:          "a1",
		Symbol:      "BTCUSDT",
		Condition:   "rsi_oversold",
		Description: "RSI oversold (24.31)",
		Timestamp:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Snapshot:    types.Snapshot{Price: 61234.5, Values: map[string]float64{"rsi": 24.31}},
	}
}

func TestFormatAlert(t *testing.T) {
	text := notify.FormatAlert(sampleAlert())
	for _, want := range []string{"BTCUSDT", "RSI oversold (24.31)", "61234.5", "2024-05-01 12:30:00 UTC"} {
		if !strings.Contains(text, want) {
			t.Errorf("Message incorrect: expected %q in %q", want, text)
		}
	}
}

func TestNotifySendsToEveryChat(t *testing.T) {
	sender := &recordingSender{failFor: 2}
	tg := notify.NewTelegramWithSender(zap.NewNop(), sender, []int64{1, 2, 3}, nil)

	err := tg.Notify(context.Background(), sampleAlert())
	if err == nil || !strings.Contains(err.Error(), "chat 2") {
		t.Errorf("Error incorrect: expected chat 2 failure, got %v", err)
	}
	if sender.count() != 2 {
		t.Errorf("Sent count incorrect: expected 2, got %d", sender.count())
	}
}

func TestSubscribeDeliversFiredAlerts(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.EventBusConfig{NumWorkers: 1, BufferSize: 8})
	defer bus.Stop()

	sender := &recordingSender{}
	tg := notify.NewTelegramWithSender(zap.NewNop(), sender, []int64{42}, nil)
	tg.Subscribe(bus)

	bus.Publish(events.NewSnapshotEvent(types.Analysis{Symbol: "BTCUSDT"}))
	bus.Publish(events.NewAlertFiredEvent(sampleAlert()))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("Sent count incorrect: expected 1, got %d", sender.count())
	}
	if sender.sent[0].ChatID != 42 {
		t.Errorf("Chat incorrect: expected 42, got %d", sender.sent[0].ChatID)
	}
}
