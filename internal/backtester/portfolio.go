package backtester

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// Ledger is the single-position account of one backtest run. It is owned
// by one run and not safe for concurrent use.
type Ledger struct {
	cash       decimal.Decimal
	qty        decimal.Decimal
	entryPrice decimal.Decimal
	entryTime  time.Time
}

// NewLedger creates a ledger holding initialCash
func NewLedger(initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		cash: initialCash,
	}
}

// Open spends all cash on a position at price. It is a no-op when a
// position is already open or price is not positive.
func (l *Ledger) Open(price decimal.Decimal, ts time.Time) bool {
	if l.InPosition() || !price.IsPositive() {
		return false
	}
	l.qty = l.cash.Div(price)
	l.cash = decimal.Zero
	l.entryPrice = price
	l.entryTime = ts
	return true
}

// Close sells the whole position at price and returns the realised trade
func (l *Ledger) Close(price decimal.Decimal, ts time.Time) (types.Trade, bool) {
	if !l.InPosition() {
		return types.Trade{}, false
	}
	l.cash = l.cash.Add(l.qty.Mul(price))
	trade := types.Trade{
		EntryTime:  l.entryTime,
		EntryPrice: l.entryPrice,
		ExitTime:   ts,
		ExitPrice:  price,
		Return:     price.Sub(l.entryPrice).Div(l.entryPrice),
	}
	l.qty = decimal.Zero
	l.entryPrice = decimal.Zero
	l.entryTime = time.Time{}
	return trade, true
}

// Value marks the account to price: cash plus the position at price
func (l *Ledger) Value(price decimal.Decimal) decimal.Decimal {
	return l.cash.Add(l.qty.Mul(price))
}

// InPosition reports whether a position is open
func (l *Ledger) InPosition() bool {
	return l.qty.IsPositive()
}

// Cash returns the uninvested cash
func (l *Ledger) Cash() decimal.Decimal {
	return l.cash
}
