package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servicehub/audit"
	"servicehub/authz"
	"servicehub/firm"
	"servicehub/gateway"
	"servicehub/request"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotPayable signals the request's status does not admit payment.
	ErrNotPayable = errors.New("payment: request not payable")
	// ErrAmountOutOfBand signals the supplied gross deviates too far from the
	// request's budget hint.
	ErrAmountOutOfBand = errors.New("payment: amount outside accepted band")
	// ErrForbidden signals the caller lacks ownership or role for the action.
	ErrForbidden = errors.New("payment: forbidden")
	// ErrDisputeOpen signals escrow cannot release while a dispute is under review.
	ErrDisputeOpen = errors.New("payment: open dispute blocks release")
	// ErrAlreadyReleased signals the escrow flag is already set.
	ErrAlreadyReleased = errors.New("payment: already released")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository is the ledger's data access layer.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error)
	GetByID(ctx context.Context, id string) (Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error)
	GetByRequest(ctx context.Context, requestID string) (Payment, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	MarkDistributed(ctx context.Context, tx pgx.Tx, id string) error
	MarkReleased(ctx context.Context, tx pgx.Tx, id string) error
	RecordRefund(ctx context.Context, tx pgx.Tx, id string, status Status, reason string, pct, amount decimal.Decimal, processedBy string) error
	InsertDistributions(ctx context.Context, tx pgx.Tx, rows []Distribution) error
	ListDistributions(ctx context.Context, paymentID string) ([]Distribution, error)
	ListAutoReleasable(ctx context.Context, cutoffSeconds int64) ([]string, error)
}

// FirmSplitter resolves a firm's payout plan inside the ledger's transaction.
type FirmSplitter interface {
	SplitPlan(ctx context.Context, tx pgx.Tx, firmID string) (firm.SplitPolicy, []firm.MemberShare, error)
}

// AuditWriter appends audit events inside the ledger's transaction.
type AuditWriter interface {
	Append(ctx context.Context, tx pgx.Tx, subjectType, subjectID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues post-commit notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the payment/escrow/refund ledger. Each mutating call runs in one
// transaction; distribution rows are all-or-nothing, and failed gateway calls
// leave local state untouched.
type Service struct {
	pool     TxBeginner
	repo     Repository
	firms    FirmSplitter
	gw       gateway.Gateway
	recorder AuditWriter
	outbox   OutboxWriter
	fees     FeeSchedule
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, firms FirmSplitter, gw gateway.Gateway, recorder AuditWriter, outbox OutboxWriter, fees FeeSchedule) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		firms:    firms,
		gw:       gw,
		recorder: recorder,
		outbox:   outbox,
		fees:     fees,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

// WithIDGenerator overrides payment id generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

type requestSnapshot struct {
	ClientID   string
	Status     request.Status
	ProviderID *string
	FirmID     *string
	BudgetHint *decimal.Decimal
}

// CreateParams carries a client's payment initiation.
type CreateParams struct {
	RequestID string
	Actor     authz.Identity
	Amount    decimal.Decimal
	Currency  string
}

// Create registers the single live payment for a request once a provider has
// taken it on. The money is escrowed: it is only distributed after the request
// completes, and refund tiers track how far the work had progressed when the
// refund was asked for. The gateway order is created after the duplicate check
// so a losing call leaves no orphan order, and the partial unique index makes
// the true concurrent race lose with ErrDuplicatePayment.
func (s *Service) Create(ctx context.Context, params CreateParams) (Payment, error) {
	if params.RequestID == "" {
		return Payment{}, fmt.Errorf("payment: missing request id")
	}
	if params.Amount.Sign() <= 0 {
		return Payment{}, fmt.Errorf("payment: amount must be positive")
	}
	if params.Currency == "" {
		params.Currency = "INR"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := s.lockRequest(ctx, tx, params.RequestID)
	if err != nil {
		return Payment{}, err
	}
	if !payableStatus(snap.Status) {
		return Payment{}, ErrNotPayable
	}
	if snap.ClientID != params.Actor.UserID && !authz.IsAdmin(params.Actor) {
		return Payment{}, ErrForbidden
	}
	if snap.BudgetHint != nil && !withinBand(params.Amount, *snap.BudgetHint, s.fees.AmountBandPct) {
		return Payment{}, ErrAmountOutOfBand
	}

	var live bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE request_id = $1 AND status <> 'failed')`,
		params.RequestID,
	).Scan(&live)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: check live payment: %w", err)
	}
	if live {
		return Payment{}, ErrDuplicatePayment
	}

	firmPayee := snap.FirmID != nil && *snap.FirmID != ""
	fee := PlatformFee(params.Amount, s.fees, firmPayee)

	order, err := s.gw.CreateOrder(ctx, params.Amount, params.Currency, params.RequestID)
	if err != nil {
		return Payment{}, err
	}

	created, err := s.repo.Create(ctx, tx, Payment{
		ID:             s.idGen(),
		RequestID:      params.RequestID,
		PayerID:        params.Actor.UserID,
		Gross:          params.Amount,
		PlatformFee:    fee,
		Status:         StatusCreated,
		GatewayOrderID: &order.ID,
	})
	if err != nil {
		return Payment{}, err
	}

	if err := s.audit(ctx, tx, created.ID, "PAYMENT_CREATED", params.Actor.UserID, map[string]any{
		"request_id":   params.RequestID,
		"gross":        params.Amount.String(),
		"platform_fee": fee.String(),
	}); err != nil {
		return Payment{}, err
	}
	if err := s.notify(ctx, tx, "payment.created", created); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit create: %w", err)
	}
	return created, nil
}

// VerifyParams carries the gateway callback fields.
type VerifyParams struct {
	PaymentID  string
	PaymentRef string
	Signature  string
}

// Verify checks the gateway signature over the order/payment pair and marks
// the payment completed. A failed check is audited and changes nothing else.
func (s *Service) Verify(ctx context.Context, params VerifyParams) (Payment, error) {
	if params.PaymentID == "" || params.Signature == "" {
		return Payment{}, fmt.Errorf("payment: verify missing fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, params.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusCreated && p.Status != StatusVerified {
		return Payment{}, ErrNotPayable
	}
	if p.GatewayOrderID == nil {
		return Payment{}, fmt.Errorf("payment: missing gateway order")
	}

	if err := s.gw.VerifySignature(*p.GatewayOrderID, params.PaymentRef, params.Signature); err != nil {
		if auditErr := s.audit(ctx, tx, p.ID, "PAYMENT_VERIFY_FAILED", "", map[string]any{
			"payment_ref": params.PaymentRef,
		}); auditErr == nil {
			_ = tx.Commit(ctx)
		}
		return Payment{}, err
	}

	if err := s.repo.SetStatus(ctx, tx, p.ID, StatusCompleted); err != nil {
		return Payment{}, err
	}
	if err := s.audit(ctx, tx, p.ID, "PAYMENT_COMPLETED", "", map[string]any{
		"payment_ref": params.PaymentRef,
	}); err != nil {
		return Payment{}, err
	}
	p.Status = StatusCompleted
	if err := s.notify(ctx, tx, "payment.completed", p); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit verify: %w", err)
	}
	return p, nil
}

// Reconcile polls the gateway for the order's state and converges the local
// status. The poll is idempotent and safe to repeat.
func (s *Service) Reconcile(ctx context.Context, paymentID string) (Payment, error) {
	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.GatewayOrderID == nil {
		return Payment{}, fmt.Errorf("payment: missing gateway order")
	}
	if p.Status != StatusCreated && p.Status != StatusVerified {
		return p, nil
	}

	remote, err := s.gw.FetchStatus(ctx, *p.GatewayOrderID)
	if err != nil {
		return Payment{}, err
	}

	var next Status
	switch remote {
	case "authorized":
		next = StatusVerified
	case "paid", "captured":
		next = StatusCompleted
	case "failed":
		next = StatusFailed
	default:
		return p, nil
	}
	if next == p.Status {
		return p, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetStatus(ctx, tx, p.ID, next); err != nil {
		return Payment{}, err
	}
	if err := s.audit(ctx, tx, p.ID, "PAYMENT_RECONCILED", "", map[string]any{
		"gateway_status": remote,
		"status":         string(next),
	}); err != nil {
		return Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit reconcile: %w", err)
	}

	p.Status = next
	return p, nil
}

// Distribute writes the full distribution set for a completed payment in one
// transaction. Firm payees split per the firm's policy; individuals take the
// whole net as a single row. Re-invocation returns ErrAlreadyDistributed.
func (s *Service) Distribute(ctx context.Context, paymentID string, actor authz.Identity) ([]Distribution, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("payment: missing payment id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, ErrNotDistributable
	}
	if p.DistributedAt != nil {
		return nil, ErrAlreadyDistributed
	}

	snap, err := s.lockRequest(ctx, tx, p.RequestID)
	if err != nil {
		return nil, err
	}
	if snap.Status != request.StatusCompleted {
		return nil, ErrNotDistributable
	}

	net := p.Gross.Sub(p.PlatformFee)

	var shares []firm.MemberShare
	if snap.FirmID != nil && *snap.FirmID != "" {
		_, shares, err = s.firms.SplitPlan(ctx, tx, *snap.FirmID)
		if err != nil {
			return nil, err
		}
	} else {
		if snap.ProviderID == nil || *snap.ProviderID == "" {
			return nil, fmt.Errorf("payment: request has no payee")
		}
		shares = []firm.MemberShare{{ProviderID: *snap.ProviderID, Bps: 10000}}
	}

	rows, err := ComputeDistributions(p.ID, net, shares, s.fees)
	if err != nil {
		return nil, err
	}
	if !Reconciles(p.Gross, p.PlatformFee, rows) {
		return nil, fmt.Errorf("payment: distribution does not reconcile for %s", p.ID)
	}

	if err := s.repo.InsertDistributions(ctx, tx, rows); err != nil {
		return nil, err
	}
	if err := s.repo.MarkDistributed(ctx, tx, p.ID); err != nil {
		return nil, err
	}

	if err := s.audit(ctx, tx, p.ID, "PAYMENT_DISTRIBUTED", actor.UserID, map[string]any{
		"payees": len(rows),
		"net":    net.String(),
	}); err != nil {
		return nil, err
	}
	if err := s.notify(ctx, tx, "payment.distributed", p); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payment: commit distribute: %w", err)
	}
	return rows, nil
}

// Release moves escrowed funds to the provider. Blocked while a dispute is
// under review.
func (s *Service) Release(ctx context.Context, paymentID string, actor authz.Identity) error {
	if !authz.IsAdmin(actor) {
		return ErrForbidden
	}
	return s.release(ctx, paymentID, actor.UserID, "PAYMENT_RELEASED")
}

// AutoRelease releases every distributed, undisputed payment older than the
// configured escrow window. Returns the ids released.
func (s *Service) AutoRelease(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListAutoReleasable(ctx, int64(s.fees.AutoReleaseAfter.Seconds()))
	if err != nil {
		return nil, err
	}

	released := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := s.release(ctx, id, "", "PAYMENT_AUTO_RELEASED"); err != nil {
			if errors.Is(err, ErrDisputeOpen) || errors.Is(err, ErrAlreadyReleased) {
				continue
			}
			return released, err
		}
		released = append(released, id)
	}
	return released, nil
}

func (s *Service) release(ctx context.Context, paymentID, actorID, eventType string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != StatusCompleted || p.DistributedAt == nil {
		return ErrNotDistributable
	}
	if p.ReleasedToProvider {
		return ErrAlreadyReleased
	}

	var openDisputes int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM disputes WHERE payment_id = $1 AND status = 'under_review'
	`, paymentID).Scan(&openDisputes); err != nil {
		return fmt.Errorf("payment: count disputes: %w", err)
	}
	if openDisputes > 0 {
		return ErrDisputeOpen
	}

	if err := s.repo.MarkReleased(ctx, tx, paymentID); err != nil {
		return err
	}
	if err := s.audit(ctx, tx, paymentID, eventType, actorID, nil); err != nil {
		return err
	}
	if err := s.notify(ctx, tx, "payment.released", p); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit release: %w", err)
	}
	return nil
}

// CheckRefundEligibility answers whether and how much of a payment can come
// back, from the request's current status snapshot.
func (s *Service) CheckRefundEligibility(ctx context.Context, paymentID string) (Eligibility, error) {
	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return Eligibility{}, err
	}

	status, err := s.requestStatus(ctx, p.RequestID)
	if err != nil {
		return Eligibility{}, err
	}
	return evaluateEligibility(p, status, s.fees), nil
}

// RefundParams carries a refund initiation.
type RefundParams struct {
	PaymentID string
	Actor     authz.Identity
	Reason    string
	// OverridePct is the administrative escape hatch from the status-snapshot
	// percentage. Admin-only.
	OverridePct *decimal.Decimal
}

// InitiateRefund computes the refund from the request's status snapshot (or an
// admin override), initiates it at the gateway, and records the immutable
// refund fields. A gateway failure leaves the payment untouched and audited;
// the call is never retried implicitly.
func (s *Service) InitiateRefund(ctx context.Context, params RefundParams) (Payment, error) {
	if params.PaymentID == "" {
		return Payment{}, fmt.Errorf("payment: missing payment id")
	}
	if params.Reason == "" {
		return Payment{}, fmt.Errorf("payment: refund reason required")
	}
	if params.OverridePct != nil {
		if !authz.IsAdmin(params.Actor) {
			return Payment{}, ErrForbidden
		}
		if params.OverridePct.Sign() < 0 || params.OverridePct.GreaterThan(hundred) {
			return Payment{}, ErrInvalidPercentage
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, params.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	snap, err := s.lockRequest(ctx, tx, p.RequestID)
	if err != nil {
		return Payment{}, err
	}

	elig := evaluateEligibility(p, snap.Status, s.fees)
	if elig.ManualOnly {
		return Payment{}, ErrManualOnly
	}
	if !elig.Eligible {
		return Payment{}, ErrNotRefundable
	}

	pct := elig.Percentage
	if params.OverridePct != nil {
		pct = *params.OverridePct
	}
	amount := RefundAmount(p, pct, s.fees)
	if amount.IsZero() {
		return Payment{}, ErrNotRefundable
	}
	if p.GatewayOrderID == nil {
		return Payment{}, fmt.Errorf("payment: missing gateway order")
	}

	if _, err := s.gw.InitiateRefund(ctx, *p.GatewayOrderID, amount); err != nil {
		s.auditRefundFailure(ctx, p.ID, params, err)
		return Payment{}, err
	}

	next := StatusPartiallyRefunded
	if pct.Equal(hundred) {
		next = StatusRefunded
	}
	if err := s.repo.RecordRefund(ctx, tx, p.ID, next, params.Reason, pct, amount, params.Actor.UserID); err != nil {
		return Payment{}, err
	}

	if err := s.audit(ctx, tx, p.ID, "PAYMENT_REFUNDED", params.Actor.UserID, map[string]any{
		"percentage": pct.String(),
		"amount":     amount.String(),
		"reason":     params.Reason,
		"override":   params.OverridePct != nil,
	}); err != nil {
		return Payment{}, err
	}
	p.Status = next
	if err := s.notify(ctx, tx, "payment.refunded", p); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit refund: %w", err)
	}

	return s.repo.GetByID(ctx, p.ID)
}

// GetByRequest returns the live payment for a request.
func (s *Service) GetByRequest(ctx context.Context, requestID string) (Payment, error) {
	return s.repo.GetByRequest(ctx, requestID)
}

// Distributions returns the distribution rows for a payment.
func (s *Service) Distributions(ctx context.Context, paymentID string) ([]Distribution, error) {
	return s.repo.ListDistributions(ctx, paymentID)
}

// auditRefundFailure records the failed attempt in its own transaction, since
// the refund transaction rolls back.
func (s *Service) auditRefundFailure(ctx context.Context, paymentID string, params RefundParams, cause error) {
	if s.recorder == nil {
		return
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	if err := s.audit(ctx, tx, paymentID, "PAYMENT_REFUND_FAILED", params.Actor.UserID, map[string]any{
		"reason": params.Reason,
		"error":  cause.Error(),
	}); err != nil {
		return
	}
	_ = tx.Commit(ctx)
}

func (s *Service) lockRequest(ctx context.Context, tx pgx.Tx, requestID string) (requestSnapshot, error) {
	var snap requestSnapshot
	err := tx.QueryRow(ctx, `
		SELECT client_id, status, provider_id::text, firm_id::text, budget_hint
		FROM requests
		WHERE id = $1
		FOR UPDATE
	`, requestID).Scan(&snap.ClientID, &snap.Status, &snap.ProviderID, &snap.FirmID, &snap.BudgetHint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return requestSnapshot{}, request.ErrNotFound
		}
		return requestSnapshot{}, fmt.Errorf("payment: lock request: %w", err)
	}
	return snap, nil
}

func (s *Service) requestStatus(ctx context.Context, requestID string) (request.Status, error) {
	p, ok := s.pool.(interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	})
	if !ok {
		return "", fmt.Errorf("payment: pool does not support reads")
	}

	var status request.Status
	if err := p.QueryRow(ctx, `SELECT status FROM requests WHERE id = $1`, requestID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", request.ErrNotFound
		}
		return "", fmt.Errorf("payment: read request status: %w", err)
	}
	return status, nil
}

func (s *Service) audit(ctx context.Context, tx pgx.Tx, paymentID, eventType, actorID string, payload map[string]any) error {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.Append(ctx, tx, audit.SubjectPayment, paymentID, eventType, actorID, payload)
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, topic string, p Payment) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"payment_id": p.ID,
		"request_id": p.RequestID,
		"status":     string(p.Status),
	})
}

// payableStatus reports whether the client can escrow money for a request in
// the given state. Payment opens once a provider accepts and stays open
// through completion; pending and cancelled requests are never payable.
func payableStatus(st request.Status) bool {
	switch st {
	case request.StatusAccepted, request.StatusInProgress, request.StatusCompleted:
		return true
	}
	return false
}

func withinBand(amount, hint, bandPct decimal.Decimal) bool {
	if hint.Sign() <= 0 {
		return true
	}
	delta := hint.Mul(bandPct)
	return amount.GreaterThanOrEqual(hint.Sub(delta)) && amount.LessThanOrEqual(hint.Add(delta))
}
