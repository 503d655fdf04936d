package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound signals the request does not exist.
	ErrNotFound = errors.New("request: not found")
)

const requestColumns = `id, client_id, provider_id::text, firm_id::text, category, urgency,
	budget_hint, deadline, description, status, reopened_count, cancel_reason,
	accepted_at, started_at, completed_at, cancelled_at, created_at, updated_at`

// TransitionUpdate describes the row changes applied alongside a status write.
type TransitionUpdate struct {
	Status            Status
	SetProviderID     *string
	ClearProvider     bool
	StampColumn       string
	IncrementReopened bool
	CancelReason      *string
}

// UpdateDetailsParams carries the client-editable fields of a pending request.
type UpdateDetailsParams struct {
	Description *string
	Deadline    *time.Time
	BudgetHint  *decimal.Decimal
	Urgency     *string
}

// Repository is the data access layer for requests and their history.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, id string, upd TransitionUpdate) (Request, error)
	UpdateDetails(ctx context.Context, tx pgx.Tx, id string, params UpdateDetailsParams) (Request, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	ListEvents(ctx context.Context, requestID string) ([]Event, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	query := fmt.Sprintf(`
		INSERT INTO requests (id, client_id, provider_id, firm_id, category, urgency,
			budget_hint, deadline, description, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3::uuid, $4::uuid, $5, $6, $7, $8, $9, $10)
		RETURNING %s
	`, requestColumns)

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.ClientID,
		req.ProviderID,
		req.FirmID,
		req.Category,
		req.Urgency,
		req.BudgetHint,
		req.Deadline,
		req.Description,
		req.Status,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("request: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE id = $1`, requestColumns)
	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE id = $1 FOR UPDATE`, requestColumns)
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		args = append(args, filters.ClientID)
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)))
	}
	if filters.ProviderID != "" {
		args = append(args, filters.ProviderID)
		where = append(where, fmt.Sprintf("provider_id=$%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filters.Category != "" {
		args = append(args, filters.Category)
		where = append(where, fmt.Sprintf("category=$%d", len(args)))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM requests%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		requestColumns, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("request: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM requests%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return list, total, nil
}

// stampColumns whitelists the per-transition timestamp columns.
var stampColumns = map[string]bool{
	"accepted_at":  true,
	"started_at":   true,
	"completed_at": true,
	"cancelled_at": true,
}

func (r *PGRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, id string, upd TransitionUpdate) (Request, error) {
	sets := []string{"status=$2", "updated_at=now()"}
	args := []any{id, upd.Status}

	switch {
	case upd.ClearProvider:
		sets = append(sets, "provider_id=NULL")
	case upd.SetProviderID != nil:
		args = append(args, *upd.SetProviderID)
		sets = append(sets, fmt.Sprintf("provider_id=$%d::uuid", len(args)))
	}
	if upd.IncrementReopened {
		sets = append(sets, "reopened_count=reopened_count+1")
	}
	if upd.CancelReason != nil {
		args = append(args, *upd.CancelReason)
		sets = append(sets, fmt.Sprintf("cancel_reason=$%d", len(args)))
	}
	if upd.StampColumn != "" {
		if !stampColumns[upd.StampColumn] {
			return Request{}, fmt.Errorf("request: illegal stamp column %q", upd.StampColumn)
		}
		sets = append(sets, fmt.Sprintf("%s=now()", upd.StampColumn))
	}

	query := fmt.Sprintf(`UPDATE requests SET %s WHERE id=$1 RETURNING %s`,
		strings.Join(sets, ", "), requestColumns)

	req, err := scanRequest(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: apply transition: %w", err)
	}
	return req, nil
}

func (r *PGRepository) UpdateDetails(ctx context.Context, tx pgx.Tx, id string, params UpdateDetailsParams) (Request, error) {
	sets := []string{"updated_at=now()"}
	args := []any{id}

	if params.Description != nil {
		args = append(args, *params.Description)
		sets = append(sets, fmt.Sprintf("description=$%d", len(args)))
	}
	if params.Deadline != nil {
		args = append(args, *params.Deadline)
		sets = append(sets, fmt.Sprintf("deadline=$%d", len(args)))
	}
	if params.BudgetHint != nil {
		args = append(args, *params.BudgetHint)
		sets = append(sets, fmt.Sprintf("budget_hint=$%d", len(args)))
	}
	if params.Urgency != nil {
		args = append(args, *params.Urgency)
		sets = append(sets, fmt.Sprintf("urgency=$%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE requests SET %s WHERE id=$1 RETURNING %s`,
		strings.Join(sets, ", "), requestColumns)

	req, err := scanRequest(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: update details: %w", err)
	}
	return req, nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	const query = `
		INSERT INTO request_events (request_id, actor_id, event_type, reason_code, note)
		VALUES ($1, $2::uuid, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, query, ev.RequestID, ev.ActorID, ev.Type, ev.ReasonCode, ev.Note); err != nil {
		return fmt.Errorf("request: append event: %w", err)
	}
	return nil
}

func (r *PGRepository) ListEvents(ctx context.Context, requestID string) ([]Event, error) {
	const query = `
		SELECT id, request_id, actor_id::text, event_type, reason_code, note, created_at
		FROM request_events
		WHERE request_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("request: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.ActorID, &ev.Type, &ev.ReasonCode, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("request: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate events: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.ClientID,
		&req.ProviderID,
		&req.FirmID,
		&req.Category,
		&req.Urgency,
		&req.BudgetHint,
		&req.Deadline,
		&req.Description,
		&req.Status,
		&req.ReopenedCount,
		&req.CancelReason,
		&req.AcceptedAt,
		&req.StartedAt,
		&req.CompletedAt,
		&req.CancelledAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "status":
		return "status"
	case "category":
		return "category"
	case "urgency":
		return "urgency"
	case "deadline":
		return "deadline"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
