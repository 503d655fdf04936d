package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeTx struct {
	queryRowFn func(sql string, args []any) pgx.Row
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error   { return nil }
func (f *fakeTx) Rollback(context.Context) error { return nil }

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(sql, args)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeTx) Conn() *pgx.Conn { return nil }

type fakeRow struct {
	scan func(dest ...any) error
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		return r.scan(dest...)
	}
	return nil
}

func TestTracker_ReserveSlot_Succeeds(t *testing.T) {
	tracker := NewTracker()
	tx := &fakeTx{
		queryRowFn: func(sql string, args []any) pgx.Row {
			if !strings.Contains(sql, "active_count < max_active") {
				t.Fatalf("reserve must guard in the WHERE clause, got: %s", sql)
			}
			return fakeRow{scan: func(dest ...any) error {
				*(dest[0].(*int)) = 3
				return nil
			}}
		},
	}

	count, err := tracker.ReserveSlot(context.Background(), tx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected active count 3, got %d", count)
	}
}

func TestTracker_ReserveSlot_AtCapacity(t *testing.T) {
	tracker := NewTracker()
	tx := &fakeTx{
		queryRowFn: func(sql string, args []any) pgx.Row {
			if strings.Contains(sql, "EXISTS") {
				return fakeRow{scan: func(dest ...any) error {
					*(dest[0].(*bool)) = true
					return nil
				}}
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}

	_, err := tracker.ReserveSlot(context.Background(), tx, "p1")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestTracker_ReserveSlot_UnknownProvider(t *testing.T) {
	tracker := NewTracker()
	tx := &fakeTx{
		queryRowFn: func(sql string, args []any) pgx.Row {
			if strings.Contains(sql, "EXISTS") {
				return fakeRow{scan: func(dest ...any) error {
					*(dest[0].(*bool)) = false
					return nil
				}}
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}

	_, err := tracker.ReserveSlot(context.Background(), tx, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTracker_ReleaseSlot_FloorsAtZero(t *testing.T) {
	tracker := NewTracker()
	var gotSQL string
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	if err := tracker.ReleaseSlot(context.Background(), tx, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "GREATEST(active_count - 1, 0)") {
		t.Fatalf("release must floor at zero, got: %s", gotSQL)
	}
}

func TestTracker_Penalize(t *testing.T) {
	tracker := NewTracker()
	var gotSQL string
	var gotDelta float64
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			gotSQL = sql
			gotDelta = args[1].(float64)
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	if err := tracker.Penalize(context.Background(), tx, "p1", PenaltyAbandonInProgress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotDelta != 0.3 {
		t.Fatalf("expected penalty 0.3, got %v", gotDelta)
	}
	if !strings.Contains(gotSQL, "GREATEST(reputation - $2, 0)") {
		t.Fatalf("penalty must floor reputation at zero, got: %s", gotSQL)
	}
	if !strings.Contains(gotSQL, "abandon_count = abandon_count + 1") {
		t.Fatalf("penalty must bump abandon count, got: %s", gotSQL)
	}

	if err := tracker.Penalize(context.Background(), tx, "p1", -1); err == nil {
		t.Fatal("expected error for negative penalty")
	}
}

func TestTracker_Reward_CappedAtFive(t *testing.T) {
	tracker := NewTracker()
	var gotSQL string
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			gotSQL = sql
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	if err := tracker.Reward(context.Background(), tx, "p1", RewardCompletion); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotSQL, "LEAST(reputation + $2, 5)") {
		t.Fatalf("reward must cap at five, got: %s", gotSQL)
	}
}

func TestTracker_NotFoundOnZeroRows(t *testing.T) {
	tracker := NewTracker()
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}

	if err := tracker.ReleaseSlot(context.Background(), tx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("release: expected ErrNotFound, got %v", err)
	}
	if err := tracker.Penalize(context.Background(), tx, "ghost", 0.2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("penalize: expected ErrNotFound, got %v", err)
	}
	if err := tracker.Reward(context.Background(), tx, "ghost", 0.1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reward: expected ErrNotFound, got %v", err)
	}
}
