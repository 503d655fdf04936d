package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"servicehub/assignment"
	"servicehub/audit"
	"servicehub/authz"
	"servicehub/provider"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrStateConflict signals the transition is not legal from the current status.
	ErrStateConflict = errors.New("request: state conflict")
	// ErrForbidden signals the caller lacks ownership or role for the action.
	ErrForbidden = errors.New("request: forbidden")
	// ErrNotProposed signals an accept by a provider the engine never proposed
	// and no administrator explicitly assigned.
	ErrNotProposed = errors.New("request: provider not proposed for this request")
	// ErrInvalidReason signals an unknown reject/abandon reason code.
	ErrInvalidReason = errors.New("request: invalid reason code")
)

// ProposalReader resolves the engine's latest proposal for a request.
type ProposalReader interface {
	LatestProposal(ctx context.Context, requestID string) (assignment.Proposal, error)
}

// AuditWriter appends audit events inside the service's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, subjectType, subjectID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues post-commit notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the request lifecycle. Every transition locks the request row,
// validates the guard, and applies the status write, tracker change, history
// append, audit event, and outbox message in one transaction.
// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool      TxBeginner
	repo      Repository
	tracker   *provider.Tracker
	proposals ProposalReader
	recorder  AuditWriter
	outbox    OutboxWriter
	idGen     func() string
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, tracker *provider.Tracker, proposals ProposalReader, recorder AuditWriter, outbox OutboxWriter) *Service {
	if tracker == nil {
		tracker = provider.NewTracker()
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		tracker:   tracker,
		proposals: proposals,
		recorder:  recorder,
		outbox:    outbox,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// WithIDGenerator overrides request id generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams carries the client's new-request input.
type CreateParams struct {
	Actor       authz.Identity
	Category    string
	Urgency     string
	BudgetHint  *decimal.Decimal
	Deadline    *time.Time
	Description string
	FirmID      *string
	// ProviderID preselects a specific firm member, bypassing scoring.
	ProviderID *string
}

// Create registers a new pending request owned by the calling client.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.Actor.UserID == "" {
		return Request{}, fmt.Errorf("request: missing actor")
	}
	if err := authz.RequireRole(params.Actor, authz.RoleClient, authz.RoleAdmin); err != nil {
		return Request{}, ErrForbidden
	}
	if strings.TrimSpace(params.Category) == "" {
		return Request{}, fmt.Errorf("request: category required")
	}
	switch params.Urgency {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
	case "":
		params.Urgency = UrgencyMedium
	default:
		return Request{}, fmt.Errorf("request: invalid urgency %q", params.Urgency)
	}
	if params.BudgetHint != nil && params.BudgetHint.Sign() <= 0 {
		return Request{}, fmt.Errorf("request: budget hint must be positive")
	}
	if params.ProviderID != nil && params.FirmID == nil {
		return Request{}, fmt.Errorf("request: preselected member requires a target firm")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Request{
		ID:          s.idGen(),
		ClientID:    params.Actor.UserID,
		ProviderID:  params.ProviderID,
		FirmID:      params.FirmID,
		Category:    params.Category,
		Urgency:     params.Urgency,
		BudgetHint:  params.BudgetHint,
		Deadline:    params.Deadline,
		Description: params.Description,
		Status:      StatusPending,
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.record(ctx, tx, created, Event{
		RequestID: created.ID,
		ActorID:   actorPtr(params.Actor),
		Type:      EventCreated,
	}, "request.created", nil); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit create: %w", err)
	}
	return created, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

// List returns requests matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	return s.repo.List(ctx, filters)
}

// History returns the ordered immutable event log for a request.
func (s *Service) History(ctx context.Context, requestID string) ([]Event, error) {
	return s.repo.ListEvents(ctx, requestID)
}

// Accept moves a pending request to accepted for the proposed or explicitly
// assigned provider, reserving one of the provider's capacity slots. Capacity
// is checked and taken in the same transaction as the status write, so
// concurrent accepts cannot push a provider past its limit.
func (s *Service) Accept(ctx context.Context, requestID, providerID string, actor authz.Identity) (Request, error) {
	if requestID == "" || providerID == "" {
		return Request{}, fmt.Errorf("request: accept missing ids")
	}
	if !authz.IsAdmin(actor) && actor.UserID != providerID {
		return Request{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(req.Status, StatusAccepted) {
		return Request{}, ErrStateConflict
	}

	if s.proposals != nil {
		prop, err := s.proposals.LatestProposal(ctx, requestID)
		if err != nil {
			if errors.Is(err, assignment.ErrNoCandidates) {
				return Request{}, ErrNotProposed
			}
			return Request{}, err
		}
		if prop.ProviderID != providerID {
			return Request{}, ErrNotProposed
		}
	}

	if _, err := s.tracker.ReserveSlot(ctx, tx, providerID); err != nil {
		return Request{}, err
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, requestID, TransitionUpdate{
		Status:        StatusAccepted,
		SetProviderID: &providerID,
		StampColumn:   "accepted_at",
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.record(ctx, tx, updated, Event{
		RequestID: requestID,
		ActorID:   actorPtr(actor),
		Type:      EventAccepted,
	}, "request.accepted", map[string]any{"provider_id": providerID}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit accept: %w", err)
	}
	return updated, nil
}

// Start moves an accepted request to in_progress. Only the assigned provider
// may start the work.
func (s *Service) Start(ctx context.Context, requestID, providerID string, actor authz.Identity) (Request, error) {
	return s.forwardTransition(ctx, requestID, providerID, actor, StatusInProgress, "started_at", EventStarted, "request.started")
}

// Complete moves an in_progress request to completed, frees the provider's
// slot, and rewards the reputation score. Payment eligibility follows from the
// completed status; no money moves here.
func (s *Service) Complete(ctx context.Context, requestID, providerID string, actor authz.Identity) (Request, error) {
	if requestID == "" || providerID == "" {
		return Request{}, fmt.Errorf("request: complete missing ids")
	}
	if !authz.IsAdmin(actor) && actor.UserID != providerID {
		return Request{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusInProgress || !assignedTo(req, providerID) {
		return Request{}, ErrStateConflict
	}

	if err := s.tracker.ReleaseSlot(ctx, tx, providerID); err != nil {
		return Request{}, err
	}
	if err := s.tracker.Reward(ctx, tx, providerID, provider.RewardCompletion); err != nil {
		return Request{}, err
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, requestID, TransitionUpdate{
		Status:      StatusCompleted,
		StampColumn: "completed_at",
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.record(ctx, tx, updated, Event{
		RequestID: requestID,
		ActorID:   actorPtr(actor),
		Type:      EventCompleted,
	}, "request.completed", map[string]any{"provider_id": providerID}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit complete: %w", err)
	}
	return updated, nil
}

// ReopenParams carries a reject or abandon.
type ReopenParams struct {
	RequestID  string
	ProviderID string
	Actor      authz.Identity
	Reason     ReasonCode
	Note       string
}

// Reject reopens an accepted or in_progress request: the assignee is cleared,
// the reopened count incremented, the provider's slot released, and a typed
// history record appended. No reputation penalty applies.
func (s *Service) Reject(ctx context.Context, params ReopenParams) (Request, error) {
	return s.reopen(ctx, params, false)
}

// Abandon is a reject with consequences: the provider additionally takes a
// reputation penalty (larger when work was already in progress) and its
// abandonment count is incremented.
func (s *Service) Abandon(ctx context.Context, params ReopenParams) (Request, error) {
	return s.reopen(ctx, params, true)
}

func (s *Service) reopen(ctx context.Context, params ReopenParams, abandon bool) (Request, error) {
	if params.RequestID == "" || params.ProviderID == "" {
		return Request{}, fmt.Errorf("request: reopen missing ids")
	}
	if !ValidReason(params.Reason) {
		return Request{}, ErrInvalidReason
	}
	if !authz.IsAdmin(params.Actor) && params.Actor.UserID != params.ProviderID {
		return Request{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusAccepted && req.Status != StatusInProgress {
		return Request{}, ErrStateConflict
	}
	if !assignedTo(req, params.ProviderID) {
		return Request{}, ErrForbidden
	}

	if err := s.tracker.ReleaseSlot(ctx, tx, params.ProviderID); err != nil {
		return Request{}, err
	}

	eventType := EventRejected
	topic := "request.rejected"
	if abandon {
		eventType = EventAbandoned
		topic = "request.abandoned"
		penalty := provider.PenaltyAbandonAccepted
		if req.Status == StatusInProgress {
			penalty = provider.PenaltyAbandonInProgress
		}
		if err := s.tracker.Penalize(ctx, tx, params.ProviderID, penalty); err != nil {
			return Request{}, err
		}
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, params.RequestID, TransitionUpdate{
		Status:            StatusPending,
		ClearProvider:     true,
		IncrementReopened: true,
	})
	if err != nil {
		return Request{}, err
	}

	reason := params.Reason
	ev := Event{
		RequestID:  params.RequestID,
		ActorID:    actorPtr(params.Actor),
		Type:       eventType,
		ReasonCode: &reason,
	}
	if note := strings.TrimSpace(params.Note); note != "" {
		ev.Note = &note
	}
	if err := s.record(ctx, tx, updated, ev, topic, map[string]any{
		"provider_id": params.ProviderID,
		"reason":      string(params.Reason),
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit reopen: %w", err)
	}
	return updated, nil
}

// CancelParams carries a cancellation by the owning client, the assigned
// provider, or an administrator.
type CancelParams struct {
	RequestID string
	Actor     authz.Identity
	Reason    *string
}

// Cancel moves any non-completed, non-cancelled request to cancelled and frees
// the assignee's slot when one is held.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Request, error) {
	if params.RequestID == "" {
		return Request{}, fmt.Errorf("request: cancel missing request id")
	}
	if params.Actor.UserID == "" {
		return Request{}, fmt.Errorf("request: cancel missing actor")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(req.Status, StatusCancelled) {
		return Request{}, ErrStateConflict
	}

	allowed := authz.IsAdmin(params.Actor) ||
		req.ClientID == params.Actor.UserID ||
		assignedTo(req, params.Actor.UserID)
	if !allowed {
		return Request{}, ErrForbidden
	}

	if req.ProviderID != nil && *req.ProviderID != "" {
		if err := s.tracker.ReleaseSlot(ctx, tx, *req.ProviderID); err != nil {
			return Request{}, err
		}
	}

	var reason *string
	if params.Reason != nil {
		trimmed := strings.TrimSpace(*params.Reason)
		if trimmed != "" {
			reason = &trimmed
		}
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, params.RequestID, TransitionUpdate{
		Status:       StatusCancelled,
		StampColumn:  "cancelled_at",
		CancelReason: reason,
	})
	if err != nil {
		return Request{}, err
	}

	payload := map[string]any{}
	if reason != nil {
		payload["reason"] = *reason
	}
	if err := s.record(ctx, tx, updated, Event{
		RequestID: params.RequestID,
		ActorID:   actorPtr(params.Actor),
		Type:      EventCancelled,
	}, "request.cancelled", payload); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit cancel: %w", err)
	}
	return updated, nil
}

// UpdateParams carries edits to a pending request's mutable fields.
type UpdateParams struct {
	RequestID   string
	Actor       authz.Identity
	Description *string
	Deadline    *time.Time
	BudgetHint  *decimal.Decimal
	Urgency     *string
}

// Update edits mutable fields. Permitted only while pending and only by the
// owning client.
func (s *Service) Update(ctx context.Context, params UpdateParams) (Request, error) {
	if params.RequestID == "" {
		return Request{}, fmt.Errorf("request: update missing request id")
	}
	if params.Description == nil && params.Deadline == nil && params.BudgetHint == nil && params.Urgency == nil {
		return Request{}, fmt.Errorf("request: update has no fields")
	}
	if params.BudgetHint != nil && params.BudgetHint.Sign() <= 0 {
		return Request{}, fmt.Errorf("request: budget hint must be positive")
	}
	if params.Urgency != nil {
		switch *params.Urgency {
		case UrgencyLow, UrgencyMedium, UrgencyHigh:
		default:
			return Request{}, fmt.Errorf("request: invalid urgency %q", *params.Urgency)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, ErrStateConflict
	}
	if req.ClientID != params.Actor.UserID && !authz.IsAdmin(params.Actor) {
		return Request{}, ErrForbidden
	}

	updated, err := s.repo.UpdateDetails(ctx, tx, params.RequestID, UpdateDetailsParams{
		Description: params.Description,
		Deadline:    params.Deadline,
		BudgetHint:  params.BudgetHint,
		Urgency:     params.Urgency,
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.record(ctx, tx, updated, Event{
		RequestID: params.RequestID,
		ActorID:   actorPtr(params.Actor),
		Type:      EventUpdated,
	}, "", nil); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit update: %w", err)
	}
	return updated, nil
}

// forwardTransition covers the simple provider-driven edges that change no
// workload counters.
func (s *Service) forwardTransition(ctx context.Context, requestID, providerID string, actor authz.Identity, to Status, stamp, eventType, topic string) (Request, error) {
	if requestID == "" || providerID == "" {
		return Request{}, fmt.Errorf("request: transition missing ids")
	}
	if !authz.IsAdmin(actor) && actor.UserID != providerID {
		return Request{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if !CanTransition(req.Status, to) || !assignedTo(req, providerID) {
		return Request{}, ErrStateConflict
	}

	updated, err := s.repo.ApplyTransition(ctx, tx, requestID, TransitionUpdate{
		Status:      to,
		StampColumn: stamp,
	})
	if err != nil {
		return Request{}, err
	}

	if err := s.record(ctx, tx, updated, Event{
		RequestID: requestID,
		ActorID:   actorPtr(actor),
		Type:      eventType,
	}, topic, map[string]any{"provider_id": providerID}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit transition: %w", err)
	}
	return updated, nil
}

// record appends the history event, mirrors it into the audit sink, and
// enqueues the outbox notification when a topic is given.
func (s *Service) record(ctx context.Context, tx pgx.Tx, req Request, ev Event, topic string, extra map[string]any) error {
	if err := s.repo.AppendEvent(ctx, tx, ev); err != nil {
		return err
	}

	if s.recorder != nil {
		payload := map[string]any{"status": string(req.Status)}
		if ev.ReasonCode != nil {
			payload["reason"] = string(*ev.ReasonCode)
		}
		for k, v := range extra {
			payload[k] = v
		}
		actorID := ""
		if ev.ActorID != nil {
			actorID = *ev.ActorID
		}
		if err := s.recorder.Append(ctx, tx, audit.SubjectRequest, req.ID, ev.Type, actorID, payload); err != nil {
			return err
		}
	}

	if s.outbox != nil && topic != "" {
		payload := map[string]any{
			"request_id": req.ID,
			"status":     string(req.Status),
			"client_id":  req.ClientID,
		}
		for k, v := range extra {
			payload[k] = v
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func assignedTo(req Request, providerID string) bool {
	return req.ProviderID != nil && *req.ProviderID == providerID
}

func actorPtr(id authz.Identity) *string {
	if id.UserID == "" {
		return nil
	}
	v := id.UserID
	return &v
}
