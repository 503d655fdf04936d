package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servicehub/audit"
	"servicehub/provider"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Method records how an assignee was chosen.
type Method string

const (
	MethodAuto   Method = "auto"
	MethodManual Method = "manual"
)

var (
	// ErrNoCandidates signals the eligible pool is empty after exclusion.
	ErrNoCandidates = errors.New("assignment: no eligible candidates")
	// ErrNotAssignable signals the request's status does not admit assignment.
	ErrNotAssignable = errors.New("assignment: request not assignable")
	// ErrRequestNotFound signals the request does not exist.
	ErrRequestNotFound = errors.New("assignment: request not found")
	// ErrIneligibleCandidate signals a manual override named a candidate that
	// fails the eligibility gate (unverified, unavailable, or at capacity).
	ErrIneligibleCandidate = errors.New("assignment: candidate not eligible")
	// ErrReasonRequired signals a manual override without a recorded reason.
	ErrReasonRequired = errors.New("assignment: manual override requires a reason")
)

// Proposal is the engine's answer for a request: who should take it and why.
type Proposal struct {
	ID         string
	RequestID  string
	ProviderID string
	Method     Method
	Score      float64
	Reason     *string
	AssignedBy *string
	CreatedAt  time.Time
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProviderPool abstracts candidate loading.
type ProviderPool interface {
	ListEligible(ctx context.Context, filters PoolFilters) ([]provider.Provider, error)
}

// PoolFilters aliases the provider package's filter type so callers wire one
// repository into both layers.
type PoolFilters = provider.PoolFilters

// AuditWriter appends audit events inside the engine's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, subjectType, subjectID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues post-commit notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Engine scores candidate pools and persists assignment proposals.
type Engine struct {
	pool      TxBeginner
	providers ProviderPool
	tracker   *provider.Tracker
	recorder  AuditWriter
	outbox    OutboxWriter
	weights   Weights
	idGen     func() string
	now       func() time.Time
}

func NewEngine(pool TxBeginner, providers ProviderPool, tracker *provider.Tracker, recorder AuditWriter, outbox OutboxWriter, weights Weights) *Engine {
	if tracker == nil {
		tracker = provider.NewTracker()
	}
	return &Engine{
		pool:      pool,
		providers: providers,
		tracker:   tracker,
		recorder:  recorder,
		outbox:    outbox,
		weights:   weights,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// WithIDGenerator overrides proposal id generation.
func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

type requestSnapshot struct {
	Status     string
	Category   string
	Urgency    Urgency
	BudgetHint *float64
	FirmID     *string
	ProviderID *string
}

// ComputeAssignment scores the eligible pool for a pending request and records
// the winning proposal. When the request targets a firm, only that firm's
// member pool is scored; a client-preselected provider bypasses scoring
// entirely and is proposed directly.
func (e *Engine) ComputeAssignment(ctx context.Context, requestID string) (Proposal, error) {
	if requestID == "" {
		return Proposal{}, fmt.Errorf("assignment: missing request id")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := e.lockRequest(ctx, tx, requestID)
	if err != nil {
		return Proposal{}, err
	}
	if snap.Status != "pending" {
		return Proposal{}, ErrNotAssignable
	}

	req := Requirements{
		Category: snap.Category,
		Urgency:  snap.Urgency,
	}
	if snap.BudgetHint != nil {
		req.BudgetHint = *snap.BudgetHint
	}

	var winner Ranked
	if snap.ProviderID != nil && *snap.ProviderID != "" {
		// Client named a member directly; verify eligibility against the same
		// pool scoring would use, so a firm-targeted request only admits that
		// firm's active members.
		filters := PoolFilters{Category: snap.Category}
		if snap.FirmID != nil {
			filters.FirmID = *snap.FirmID
		}
		pool, err := e.providers.ListEligible(ctx, filters)
		if err != nil {
			return Proposal{}, err
		}
		found := false
		for _, c := range pool {
			if c.ID == *snap.ProviderID {
				winner = Ranked{Provider: c, Score: Score(req, c, e.weights)}
				found = true
				break
			}
		}
		if !found {
			return Proposal{}, ErrIneligibleCandidate
		}
	} else {
		filters := PoolFilters{Category: snap.Category}
		if snap.FirmID != nil {
			filters.FirmID = *snap.FirmID
		}
		pool, err := e.providers.ListEligible(ctx, filters)
		if err != nil {
			return Proposal{}, err
		}
		ranked := Select(req, pool, e.weights)
		if len(ranked) == 0 {
			return Proposal{}, ErrNoCandidates
		}
		winner = ranked[0]
	}

	prop, err := e.insertProposal(ctx, tx, Proposal{
		ID:         e.idGen(),
		RequestID:  requestID,
		ProviderID: winner.Provider.ID,
		Method:     MethodAuto,
		Score:      winner.Score,
	})
	if err != nil {
		return Proposal{}, err
	}

	if e.recorder != nil {
		payload := map[string]any{
			"provider_id": prop.ProviderID,
			"method":      string(MethodAuto),
			"score":       prop.Score,
		}
		if err := e.recorder.Append(ctx, tx, audit.SubjectRequest, requestID, "ASSIGNMENT_PROPOSED", "", payload); err != nil {
			return Proposal{}, err
		}
	}
	if e.outbox != nil {
		payload := map[string]any{
			"request_id":  requestID,
			"provider_id": prop.ProviderID,
		}
		if err := e.outbox.Enqueue(ctx, tx, "assignment.proposed", payload); err != nil {
			return Proposal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("assignment: commit proposal: %w", err)
	}
	return prop, nil
}

// ManualAssignParams names an administrative reassignment.
type ManualAssignParams struct {
	RequestID  string
	ProviderID string
	ActorID    string
	Reason     string
}

// ManualAssign lets an administrator place a pending or accepted request with
// any eligible candidate regardless of score. The override travels through the
// same assignments table and audit trail as automatic proposals. Reassigning
// an accepted request swaps the workload slot from the old assignee to the new
// one inside the same transaction.
func (e *Engine) ManualAssign(ctx context.Context, params ManualAssignParams) (Proposal, error) {
	if params.RequestID == "" || params.ProviderID == "" {
		return Proposal{}, fmt.Errorf("assignment: missing request or provider id")
	}
	if params.Reason == "" {
		return Proposal{}, ErrReasonRequired
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := e.lockRequest(ctx, tx, params.RequestID)
	if err != nil {
		return Proposal{}, err
	}
	if snap.Status != "pending" && snap.Status != "accepted" {
		return Proposal{}, ErrNotAssignable
	}

	var eligible bool
	err = tx.QueryRow(ctx, `
		SELECT verified_at IS NOT NULL AND available AND active_count < max_active
		FROM providers
		WHERE id = $1
		FOR UPDATE
	`, params.ProviderID).Scan(&eligible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, provider.ErrNotFound
		}
		return Proposal{}, fmt.Errorf("assignment: check candidate: %w", err)
	}
	if !eligible {
		return Proposal{}, ErrIneligibleCandidate
	}

	if snap.Status == "accepted" {
		if snap.ProviderID == nil || *snap.ProviderID == "" {
			return Proposal{}, fmt.Errorf("assignment: accepted request missing assignee")
		}
		if *snap.ProviderID == params.ProviderID {
			return Proposal{}, ErrNotAssignable
		}
		if err := e.tracker.ReleaseSlot(ctx, tx, *snap.ProviderID); err != nil {
			return Proposal{}, err
		}
		if _, err := e.tracker.ReserveSlot(ctx, tx, params.ProviderID); err != nil {
			return Proposal{}, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE requests SET provider_id = $2, updated_at = now() WHERE id = $1
		`, params.RequestID, params.ProviderID); err != nil {
			return Proposal{}, fmt.Errorf("assignment: swap assignee: %w", err)
		}
	}

	reason := params.Reason
	prop, err := e.insertProposal(ctx, tx, Proposal{
		ID:         e.idGen(),
		RequestID:  params.RequestID,
		ProviderID: params.ProviderID,
		Method:     MethodManual,
		Reason:     &reason,
		AssignedBy: &params.ActorID,
	})
	if err != nil {
		return Proposal{}, err
	}

	if e.recorder != nil {
		payload := map[string]any{
			"provider_id": params.ProviderID,
			"method":      string(MethodManual),
			"reason":      params.Reason,
		}
		if snap.ProviderID != nil {
			payload["previous_provider_id"] = *snap.ProviderID
		}
		if err := e.recorder.Append(ctx, tx, audit.SubjectRequest, params.RequestID, "ASSIGNMENT_OVERRIDDEN", params.ActorID, payload); err != nil {
			return Proposal{}, err
		}
	}
	if e.outbox != nil {
		payload := map[string]any{
			"request_id":  params.RequestID,
			"provider_id": params.ProviderID,
		}
		if err := e.outbox.Enqueue(ctx, tx, "assignment.overridden", payload); err != nil {
			return Proposal{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, fmt.Errorf("assignment: commit manual assign: %w", err)
	}
	return prop, nil
}

// LatestProposal returns the most recent proposal recorded for a request.
func (e *Engine) LatestProposal(ctx context.Context, requestID string) (Proposal, error) {
	const query = `
		SELECT id, request_id, provider_id, method, score, reason, assigned_by::text, created_at
		FROM assignments
		WHERE request_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	reader, ok := e.pool.(interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	})
	if !ok {
		return Proposal{}, fmt.Errorf("assignment: pool does not support reads")
	}
	var p Proposal
	err := reader.QueryRow(ctx, query, requestID).Scan(
		&p.ID, &p.RequestID, &p.ProviderID, &p.Method, &p.Score, &p.Reason, &p.AssignedBy, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNoCandidates
		}
		return Proposal{}, fmt.Errorf("assignment: latest proposal: %w", err)
	}
	return p, nil
}

func (e *Engine) lockRequest(ctx context.Context, tx pgx.Tx, requestID string) (requestSnapshot, error) {
	var snap requestSnapshot
	err := tx.QueryRow(ctx, `
		SELECT status, category, urgency, budget_hint::float8, firm_id::text, provider_id::text
		FROM requests
		WHERE id = $1
		FOR UPDATE
	`, requestID).Scan(&snap.Status, &snap.Category, &snap.Urgency, &snap.BudgetHint, &snap.FirmID, &snap.ProviderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return requestSnapshot{}, ErrRequestNotFound
		}
		return requestSnapshot{}, fmt.Errorf("assignment: lock request: %w", err)
	}
	return snap, nil
}

func (e *Engine) insertProposal(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	const query = `
		INSERT INTO assignments (id, request_id, provider_id, method, score, reason, assigned_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7::uuid)
		RETURNING created_at
	`
	var assignedBy any
	if p.AssignedBy != nil && *p.AssignedBy != "" {
		assignedBy = *p.AssignedBy
	}
	if err := tx.QueryRow(ctx, query, p.ID, p.RequestID, p.ProviderID, p.Method, p.Score, p.Reason, assignedBy).Scan(&p.CreatedAt); err != nil {
		return Proposal{}, fmt.Errorf("assignment: insert proposal: %w", err)
	}
	return p, nil
}
