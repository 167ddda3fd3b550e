package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConditionConfig is the per-condition switch of an alert config
type ConditionConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	CooldownSeconds int    `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MutedUntil      *int64 `json:"muted_until,omitempty" yaml:"muted_until,omitempty"` // epoch seconds
}

// Cooldown returns the cooldown as a duration
func (c ConditionConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// MutedUntilTime returns the mute deadline, or the zero time when unset
func (c ConditionConfig) MutedUntilTime() time.Time {
	if c.MutedUntil == nil {
		return time.Time{}
	}
	return time.Unix(*c.MutedUntil, 0)
}

// AlertConfig is the alert configuration document of one asset
type AlertConfig struct {
	Symbol     string                     `json:"symbol" yaml:"symbol"`
	Conditions map[string]ConditionConfig `json:"conditions" yaml:"conditions"`
}

// Clone returns a deep copy so readers never share maps with writers
func (c AlertConfig) Clone() AlertConfig {
	out := AlertConfig{
		Symbol:     c.Symbol,
		Conditions: make(map[string]ConditionConfig, len(c.Conditions)),
	}
	for k, v := range c.Conditions {
		if v.MutedUntil != nil {
			mu := *v.MutedUntil
			v.MutedUntil = &mu
		}
		out.Conditions[k] = v
	}
	return out
}

// Validate checks the document shape
func (c AlertConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfiguration)
	}
	for name, cond := range c.Conditions {
		if cond.CooldownSeconds < 0 {
			return fmt.Errorf("%w: negative cooldown for %s", ErrInvalidConfiguration, name)
		}
	}
	return nil
}

// Snapshot is the price and the contributing indicator values of an alert.
// It encodes as a flat object: {"price": ..., "rsi": ...}.
type Snapshot struct {
	Price  float64
	Values map[string]float64
}

// MarshalJSON flattens the indicator values next to the price
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]float64, len(s.Values)+1)
	for k, v := range s.Values {
		out[k] = v
	}
	out["price"] = s.Price
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat form written by MarshalJSON
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Price = raw["price"]
	delete(raw, "price")
	if len(raw) > 0 {
		s.Values = raw
	} else {
		s.Values = nil
	}
	return nil
}

// AlertEvent is one unsuppressed trigger. Immutable once created.
type AlertEvent struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Condition   string    `json:"condition"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Snapshot    Snapshot  `json:"snapshot"`
}
