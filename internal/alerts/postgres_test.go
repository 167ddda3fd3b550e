package alerts_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/alerts"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// fakeDB records statements and serves canned rows
type fakeDB struct {
	execErr  error
	queryErr error
	execSQL  []string
	execArgs [][]any
	queryArg []any
	rows     [][]any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queryArg = args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows, pos: -1}, nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.pos], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *time.Time:
			*d = row[i].(time.Time)
		case *[]byte:
			*d = row[i].([]byte)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func sampleAlert() types.AlertEvent {
	return types.AlertEvent{
		ID:          "a-1",
		Symbol:      "BTCUSDT",
		Condition:   "rsi_oversold",
		Description: "RSI oversold (24.31)",
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Snapshot:    types.Snapshot{Price: 42000.5, Values: map[string]float64{"rsi": 24.31}},
	}
}

func TestPostgresAppendEncodesSnapshot(t *testing.T) {
	db := &fakeDB{}
	history := alerts.NewPostgresHistory(zap.NewNop(), db)
	ev := sampleAlert()

	if err := history.Append(context.Background(), ev); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(db.execArgs) != 1 || len(db.execArgs[0]) != 6 {
		t.Fatalf("Exec arguments incorrect: got %v", db.execArgs)
	}

	payload, ok := db.execArgs[0][5].([]byte)
	if !ok {
		t.Fatalf("Snapshot argument incorrect: expected []byte, got %T", db.execArgs[0][5])
	}
	var decoded types.Snapshot
	if err := sonic.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Snapshot decode failed: %v", err)
	}
	if decoded.Price != 42000.5 || decoded.Values["rsi"] != 24.31 {
		t.Errorf("Snapshot incorrect: expected price 42000.5 and rsi 24.31, got %+v", decoded)
	}
	if _, ok := decoded.Values["price"]; ok {
		t.Error("Price should not appear among the indicator values")
	}
}

func TestPostgresAppendFailureIsSinkUnavailable(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	history := alerts.NewPostgresHistory(zap.NewNop(), db)

	err := history.Append(context.Background(), sampleAlert())
	if !errors.Is(err, types.ErrHistorySinkUnavailable) {
		t.Errorf("Error incorrect: expected history sink unavailable, got %v", err)
	}
}

func TestPostgresListDecodesRows(t *testing.T) {
	ev := sampleAlert()
	payload, err := sonic.Marshal(ev.Snapshot)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	db := &fakeDB{rows: [][]any{
		{ev.ID, ev.Symbol, ev.Condition, ev.Description, ev.Timestamp, payload},
	}}
	history := alerts.NewPostgresHistory(zap.NewNop(), db)

	got, err := history.List(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Event count incorrect: expected 1, got %d", len(got))
	}
	if got[0].ID != ev.ID || !got[0].Timestamp.Equal(ev.Timestamp) {
		t.Errorf("Event incorrect: expected %+v, got %+v", ev, got[0])
	}
	if got[0].Snapshot.Price != 42000.5 || got[0].Snapshot.Values["rsi"] != 24.31 {
		t.Errorf("Snapshot incorrect: got %+v", got[0].Snapshot)
	}

	// open bounds reach the query as NULL timestamps
	if len(db.queryArg) != 2 {
		t.Fatalf("Query arguments incorrect: got %v", db.queryArg)
	}
	for i, arg := range db.queryArg {
		if bound, ok := arg.(*time.Time); !ok || bound != nil {
			t.Errorf("Bound %d incorrect: expected a nil *time.Time, got %#v", i, arg)
		}
	}
}

func TestPostgresListRejectsCorruptSnapshot(t *testing.T) {
	ev := sampleAlert()
	db := &fakeDB{rows: [][]any{
		{ev.ID, ev.Symbol, ev.Condition, ev.Description, ev.Timestamp, []byte("{not json")},
	}}
	history := alerts.NewPostgresHistory(zap.NewNop(), db)

	if _, err := history.List(context.Background(), nil, nil); err == nil {
		t.Error("Expected an error for a corrupt snapshot")
	}

	db = &fakeDB{queryErr: errors.New("timeout")}
	history = alerts.NewPostgresHistory(zap.NewNop(), db)
	if _, err := history.List(context.Background(), nil, nil); err == nil {
		t.Error("Expected the query error")
	}
}

// TestPostgresRoundTrip runs against a real database when
// SIGNALS_TEST_PG_DSN is set
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("SIGNALS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("SIGNALS_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	pool, err := alerts.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	history := alerts.NewPostgresHistory(zap.NewNop(), pool)
	defer history.Close()

	if err := history.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if err := history.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	first := sampleAlert()
	second := sampleAlert()
	second.ID = "a-2"
	second.Timestamp = first.Timestamp.Add(time.Hour)
	for _, ev := range []types.AlertEvent{first, second, first} {
		if err := history.Append(ctx, ev); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	all, err := history.List(ctx, nil, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a-2" {
		t.Fatalf("List incorrect: expected a-2 then a-1, got %+v", all)
	}

	from := first.Timestamp.Add(time.Minute)
	recent, err := history.List(ctx, &from, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "a-2" {
		t.Errorf("Bounded list incorrect: expected a-2, got %+v", recent)
	}
	if recent[0].Snapshot.Values["rsi"] != 24.31 {
		t.Errorf("Snapshot incorrect: got %+v", recent[0].Snapshot)
	}
}
