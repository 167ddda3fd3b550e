package alerts_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/alerts"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

func TestFileConfigStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "alerts.yaml")

	store, err := alerts.NewFileConfigStore(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatalf("New store should be empty")
	}

	if err := store.Put(rsiConfig("btcusdt", 900)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Update("ETHUSDT", func(cfg *types.AlertConfig) error {
		cfg.Conditions["hilo_buy"] = types.ConditionConfig{Enabled: true, CooldownSeconds: 60}
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Config file missing: %v", err)
	}
	if !strings.Contains(string(raw), "cooldown_seconds: 900") {
		t.Errorf("YAML document missing cooldown: %s", raw)
	}

	reopened, err := alerts.NewFileConfigStore(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	all := reopened.List()
	if len(all) != 2 || all[0].Symbol != "BTCUSDT" || all[1].Symbol != "ETHUSDT" {
		t.Fatalf("Reloaded configs incorrect: got %+v", all)
	}
	if !all[1].Conditions["hilo_buy"].Enabled {
		t.Error("Reloaded hilo_buy should be enabled")
	}

	if err := reopened.Delete("BTCUSDT"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := reopened.Get("BTCUSDT"); ok {
		t.Error("Deleted config still present")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Temp file left behind: %s", e.Name())
		}
	}
}

func TestConfigReadsAreCopies(t *testing.T) {
	store := alerts.NewMemoryConfigStore(rsiConfig("BTCUSDT", 60))

	cfg, _ := store.Get("BTCUSDT")
	cfg.Conditions["rsi_oversold"] = types.ConditionConfig{Enabled: false}

	again, _ := store.Get("BTCUSDT")
	if !again.Conditions["rsi_oversold"].Enabled {
		t.Error("Mutating a read copy changed the stored document")
	}
}

func TestConfigValidation(t *testing.T) {
	store := alerts.NewMemoryConfigStore()
	err := store.Put(types.AlertConfig{
		Symbol:     "BTCUSDT",
		Conditions: map[string]types.ConditionConfig{"rsi_oversold": {Enabled: true, CooldownSeconds: -1}},
	})
	if err == nil {
		t.Error("Expected negative cooldown to be rejected")
	}
	if _, ok := store.Get("BTCUSDT"); ok {
		t.Error("Rejected config was stored")
	}
}

func TestFileHistoryLimitAndWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert_history.json")
	history, err := alerts.NewFileHistory(zap.NewNop(), path, 3)
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := types.AlertEvent{
			ID:        string(rune('a' + i)),
			Symbol:    "BTCUSDT",
			Condition: "rsi_oversold",
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Snapshot:  types.Snapshot{Price: float64(100 + i), Values: map[string]float64{"rsi": 25}},
		}
		if err := history.Append(ctx, ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	all, _ := history.List(ctx, nil, nil)
	if len(all) != 3 {
		t.Fatalf("History length incorrect: expected 3, got %d", len(all))
	}
	if all[0].ID != "e" || all[2].ID != "c" {
		t.Errorf("History order incorrect: expected newest first e..c, got %s..%s", all[0].ID, all[2].ID)
	}

	from, to := t0.Add(3*time.Hour), t0.Add(3*time.Hour)
	window, _ := history.List(ctx, &from, &to)
	if len(window) != 1 || window[0].ID != "d" {
		t.Errorf("Windowed list incorrect: got %+v", window)
	}

	reopened, err := alerts.NewFileHistory(zap.NewNop(), path, 3)
	if err != nil {
		t.Fatalf("Failed to reopen history: %v", err)
	}
	again, _ := reopened.List(ctx, nil, nil)
	if len(again) != 3 || again[0].Snapshot.Values["rsi"] != 25 || again[0].Snapshot.Price != 104 {
		t.Errorf("Reloaded history incorrect: got %+v", again)
	}

	if err := reopened.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared, _ := reopened.List(ctx, nil, nil); len(cleared) != 0 {
		t.Errorf("History not cleared: %d events", len(cleared))
	}
}
