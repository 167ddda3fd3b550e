package alerts

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS alert_history (
	id          TEXT PRIMARY KEY,
	symbol      TEXT        NOT NULL,
	condition   TEXT        NOT NULL,
	description TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	snapshot    JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS alert_history_ts_idx ON alert_history (ts DESC);
`

const insertAlertSQL = `
INSERT INTO alert_history (id, symbol, condition, description, ts, snapshot)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

const listAlertsSQL = `
SELECT id, symbol, condition, description, ts, snapshot
FROM alert_history
WHERE ($1::timestamptz IS NULL OR ts >= $1)
  AND ($2::timestamptz IS NULL OR ts <= $2)
ORDER BY ts DESC`

// Querier is the part of a pgx pool or transaction the history uses
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresHistory stores alert events in the alert_history table
type PostgresHistory struct {
	db     Querier
	logger *zap.Logger
}

// NewPool opens a pgx pool and checks connectivity
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to reach postgres")
	}
	return pool, nil
}

// NewPostgresHistory creates a sink over db, usually a *pgxpool.Pool
func NewPostgresHistory(logger *zap.Logger, db Querier) *PostgresHistory {
	return &PostgresHistory{db: db, logger: logger}
}

// EnsureSchema creates the history table when missing
func (h *PostgresHistory) EnsureSchema(ctx context.Context) error {
	if _, err := h.db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to create alert_history schema")
	}
	return nil
}

// Append inserts ev. Inserting the same id twice is a no-op.
func (h *PostgresHistory) Append(ctx context.Context, ev types.AlertEvent) (err error) {
	defer func() {
		if err != nil {
			err = errors.Wrapf(types.ErrHistorySinkUnavailable, "PostgresHistory.Append: %v", err)
		}
	}()

	snapshot, err := sonic.Marshal(ev.Snapshot)
	if err != nil {
		return err
	}
	_, err = h.db.Exec(ctx, insertAlertSQL,
		ev.ID, ev.Symbol, ev.Condition, ev.Description, ev.Timestamp.UTC(), snapshot)
	return err
}

// List returns events inside [from, to], newest first
func (h *PostgresHistory) List(ctx context.Context, from, to *time.Time) ([]types.AlertEvent, error) {
	rows, err := h.db.Query(ctx, listAlertsSQL, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "PostgresHistory.List")
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.AlertEvent, error) {
		var (
			ev       types.AlertEvent
			snapshot []byte
		)
		if err := row.Scan(&ev.ID, &ev.Symbol, &ev.Condition, &ev.Description, &ev.Timestamp, &snapshot); err != nil {
			return ev, err
		}
		if err := sonic.Unmarshal(snapshot, &ev.Snapshot); err != nil {
			return ev, errors.Wrapf(err, "bad snapshot for alert %s", ev.ID)
		}
		return ev, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "PostgresHistory.List")
	}
	return out, nil
}

// Clear deletes every row
func (h *PostgresHistory) Clear(ctx context.Context) error {
	tag, err := h.db.Exec(ctx, "DELETE FROM alert_history")
	if err != nil {
		return errors.Wrap(err, "PostgresHistory.Clear")
	}
	h.logger.Info("Alert history cleared", zap.Int64("rows", tag.RowsAffected()))
	return nil
}

// Close releases the pool when the history owns one
func (h *PostgresHistory) Close() {
	if c, ok := h.db.(interface{ Close() }); ok {
		c.Close()
	}
}
