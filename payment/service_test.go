package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"servicehub/authz"
	"servicehub/firm"
	"servicehub/gateway"
	"servicehub/request"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	tx   *fakeTx
	hook func(*fakeTx)
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	if f.hook != nil {
		f.hook(f.tx)
	}
	return f.tx, nil
}

type fakeTx struct {
	committed  bool
	rolledBack bool
	queryRowFn func(sql string, args []any) pgx.Row
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

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

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
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

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

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

// requestRow scripts the request-snapshot lock read.
func requestRow(clientID string, status request.Status, providerID, firmID *string, hint *decimal.Decimal) func(*fakeTx) {
	return func(tx *fakeTx) {
		tx.queryRowFn = func(sql string, _ []any) pgx.Row {
			if strings.Contains(sql, "FROM requests") {
				return fakeRow{scan: func(dest ...any) error {
					*(dest[0].(*string)) = clientID
					*(dest[1].(*request.Status)) = status
					*(dest[2].(**string)) = providerID
					*(dest[3].(**string)) = firmID
					*(dest[4].(**decimal.Decimal)) = hint
					return nil
				}}
			}
			return fakeRow{scan: func(dest ...any) error {
				switch d := dest[0].(type) {
				case *int:
					*d = 0
				case *bool:
					*d = false
				}
				return nil
			}}
		}
	}
}

// withLivePayment layers an existing non-failed payment for the request onto a
// scripted snapshot hook.
func withLivePayment(inner func(*fakeTx)) func(*fakeTx) {
	return func(tx *fakeTx) {
		inner(tx)
		base := tx.queryRowFn
		tx.queryRowFn = func(sql string, args []any) pgx.Row {
			if strings.Contains(sql, "SELECT EXISTS") {
				return fakeRow{scan: func(dest ...any) error {
					*(dest[0].(*bool)) = true
					return nil
				}}
			}
			return base(sql, args)
		}
	}
}

type fakeLedgerRepo struct {
	payment       Payment
	getErr        error
	created       *Payment
	createErr     error
	inserted      []Distribution
	distributed   bool
	released      bool
	refund        *struct {
		status Status
		pct    decimal.Decimal
		amount decimal.Decimal
		reason string
	}
	autoRelease []string
}

func (f *fakeLedgerRepo) Create(_ context.Context, _ pgx.Tx, p Payment) (Payment, error) {
	if f.createErr != nil {
		return Payment{}, f.createErr
	}
	f.created = &p
	return p, nil
}

func (f *fakeLedgerRepo) GetByID(_ context.Context, _ string) (Payment, error) {
	return f.payment, f.getErr
}

func (f *fakeLedgerRepo) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (Payment, error) {
	return f.payment, f.getErr
}

func (f *fakeLedgerRepo) GetByRequest(_ context.Context, _ string) (Payment, error) {
	return f.payment, f.getErr
}

func (f *fakeLedgerRepo) SetStatus(_ context.Context, _ pgx.Tx, _ string, status Status) error {
	f.payment.Status = status
	return nil
}

func (f *fakeLedgerRepo) MarkDistributed(_ context.Context, _ pgx.Tx, _ string) error {
	f.distributed = true
	return nil
}

func (f *fakeLedgerRepo) MarkReleased(_ context.Context, _ pgx.Tx, _ string) error {
	f.released = true
	return nil
}

func (f *fakeLedgerRepo) RecordRefund(_ context.Context, _ pgx.Tx, _ string, status Status, reason string, pct, amount decimal.Decimal, _ string) error {
	f.refund = &struct {
		status Status
		pct    decimal.Decimal
		amount decimal.Decimal
		reason string
	}{status, pct, amount, reason}
	return nil
}

func (f *fakeLedgerRepo) InsertDistributions(_ context.Context, _ pgx.Tx, rows []Distribution) error {
	f.inserted = rows
	return nil
}

func (f *fakeLedgerRepo) ListDistributions(_ context.Context, _ string) ([]Distribution, error) {
	return f.inserted, nil
}

func (f *fakeLedgerRepo) ListAutoReleasable(_ context.Context, _ int64) ([]string, error) {
	return f.autoRelease, nil
}

type fakeSplitter struct {
	policy firm.SplitPolicy
	shares []firm.MemberShare
	err    error
}

func (f *fakeSplitter) SplitPlan(_ context.Context, _ pgx.Tx, _ string) (firm.SplitPolicy, []firm.MemberShare, error) {
	return f.policy, f.shares, f.err
}

type fakeGateway struct {
	order      gateway.Order
	orderCalls int
	orderErr   error
	verifyErr  error
	status     string
	statusErr  error
	refundErr  error
	refundedID string
	refunded   decimal.Decimal
}

func (f *fakeGateway) CreateOrder(_ context.Context, amount decimal.Decimal, currency, receipt string) (gateway.Order, error) {
	f.orderCalls++
	if f.orderErr != nil {
		return gateway.Order{}, f.orderErr
	}
	if f.order.ID == "" {
		f.order = gateway.Order{ID: "order-1", Amount: amount, Currency: currency, Receipt: receipt}
	}
	return f.order, nil
}

func (f *fakeGateway) VerifySignature(_, _, _ string) error {
	return f.verifyErr
}

func (f *fakeGateway) FetchStatus(context.Context, string) (string, error) {
	return f.status, f.statusErr
}

func (f *fakeGateway) InitiateRefund(_ context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refundedID = paymentRef
	f.refunded = amount
	return "refund-1", nil
}

func newTestLedger(pool *fakePool, repo *fakeLedgerRepo, splitter *fakeSplitter, gw *fakeGateway) *Service {
	if splitter == nil {
		splitter = &fakeSplitter{}
	}
	if gw == nil {
		gw = &fakeGateway{}
	}
	svc := NewService(pool, repo, splitter, gw, nil, nil, DefaultFeeSchedule())
	svc.WithIDGenerator(func() string { return "pay-test" })
	return svc
}

func strPtr(s string) *string { return &s }

func nowPtr() *time.Time {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return &now
}

func TestCreate_RequiresAcceptedRequest(t *testing.T) {
	for _, st := range []request.Status{request.StatusPending, request.StatusCancelled} {
		pool := &fakePool{hook: requestRow("c1", st, nil, nil, nil)}
		svc := newTestLedger(pool, &fakeLedgerRepo{}, nil, nil)

		_, err := svc.Create(context.Background(), CreateParams{
			RequestID: "r1",
			Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
			Amount:    dec("1000"),
		})
		assert.ErrorIs(t, err, ErrNotPayable, "status %s", st)
	}
}

func TestCreate_EscrowsBeforeCompletion(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusAccepted, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{}
	svc := newTestLedger(pool, repo, nil, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Amount:    dec("1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, created.Status)
	require.NotNil(t, repo.created)
	assert.True(t, pool.tx.committed)
}

func TestCreate_DuplicateSkipsGateway(t *testing.T) {
	pool := &fakePool{hook: withLivePayment(requestRow("c1", request.StatusAccepted, strPtr("p1"), nil, nil))}
	repo := &fakeLedgerRepo{}
	gw := &fakeGateway{}
	svc := newTestLedger(pool, repo, nil, gw)

	_, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Amount:    dec("1000"),
	})
	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.Zero(t, gw.orderCalls, "no gateway order for a duplicate")
	assert.Nil(t, repo.created)
}

func TestCreate_OnlyPayerOrAdmin(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCompleted, strPtr("p1"), nil, nil)}
	svc := newTestLedger(pool, &fakeLedgerRepo{}, nil, nil)

	_, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "intruder", Role: authz.RoleClient},
		Amount:    dec("1000"),
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreate_AmountBand(t *testing.T) {
	hint := dec("1000")
	pool := &fakePool{hook: requestRow("c1", request.StatusCompleted, strPtr("p1"), nil, &hint)}
	svc := newTestLedger(pool, &fakeLedgerRepo{}, nil, nil)

	_, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Amount:    dec("1500"), // 50% over a ±20% band
	})
	assert.ErrorIs(t, err, ErrAmountOutOfBand)

	created, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Amount:    dec("1100"),
	})
	require.NoError(t, err)
	assert.True(t, created.PlatformFee.Equal(dec("110")), "individual 10%% fee, got %s", created.PlatformFee)
	assert.True(t, pool.tx.committed)
}

func TestCreate_FirmFeeRate(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCompleted, strPtr("p1"), strPtr("f1"), nil)}
	repo := &fakeLedgerRepo{}
	svc := newTestLedger(pool, repo, nil, nil)

	created, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Amount:    dec("100000"),
	})
	require.NoError(t, err)
	assert.True(t, created.PlatformFee.Equal(dec("15000")), "firm payee pays 15%%, got %s", created.PlatformFee)
	require.NotNil(t, repo.created)
	assert.Equal(t, StatusCreated, repo.created.Status)
}

func TestCreate_GatewayFailureLeavesNothing(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCompleted, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{}
	gw := &fakeGateway{orderErr: gateway.ErrGateway}
	svc := newTestLedger(pool, repo, nil, gw)

	_, err := svc.Create(context.Background(), CreateParams{
		RequestID: "r1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Amount:    dec("1000"),
	})
	assert.ErrorIs(t, err, gateway.ErrGateway)
	assert.Nil(t, repo.created, "no local row on gateway failure")
	assert.False(t, pool.tx.committed)
}

func TestDistribute_FirmSplit(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCompleted, strPtr("p1"), strPtr("f1"), nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:          "pay1",
		RequestID:   "r1",
		Gross:       dec("100000"),
		PlatformFee: dec("15000"),
		Status:      StatusCompleted,
	}}
	splitter := &fakeSplitter{
		policy: firm.SplitEqual,
		shares: []firm.MemberShare{
			{ProviderID: "m1", Bps: 3334},
			{ProviderID: "m2", Bps: 3333},
			{ProviderID: "m3", Bps: 3333},
		},
	}
	svc := newTestLedger(pool, repo, splitter, nil)

	rows, err := svc.Distribute(context.Background(), "pay1", authz.Identity{UserID: "admin", Role: authz.RoleAdmin})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, repo.distributed)
	assert.True(t, pool.tx.committed)
	assert.True(t, Reconciles(dec("100000"), dec("15000"), rows))
}

func TestDistribute_IndividualSingleRow(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCompleted, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:          "pay1",
		RequestID:   "r1",
		Gross:       dec("50000"),
		PlatformFee: dec("5000"),
		Status:      StatusCompleted,
	}}
	svc := newTestLedger(pool, repo, nil, nil)

	rows, err := svc.Distribute(context.Background(), "pay1", authz.Identity{UserID: "admin", Role: authz.RoleAdmin})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].PayeeID)
	assert.True(t, rows[0].Withheld.Equal(dec("4500")), "individual withholding applies")
}

func TestDistribute_AlreadyDistributed(t *testing.T) {
	now := nowPtr()
	pool := &fakePool{}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:            "pay1",
		Status:        StatusCompleted,
		DistributedAt: now,
	}}
	svc := newTestLedger(pool, repo, nil, nil)

	_, err := svc.Distribute(context.Background(), "pay1", authz.Identity{UserID: "admin", Role: authz.RoleAdmin})
	assert.ErrorIs(t, err, ErrAlreadyDistributed)
}

func TestDistribute_RequiresCompletedPayment(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeLedgerRepo{payment: Payment{ID: "pay1", Status: StatusCreated}}
	svc := newTestLedger(pool, repo, nil, nil)

	_, err := svc.Distribute(context.Background(), "pay1", authz.Identity{UserID: "admin", Role: authz.RoleAdmin})
	assert.ErrorIs(t, err, ErrNotDistributable)
}

func TestDistribute_RequiresCompletedRequest(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusInProgress, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:          "pay1",
		RequestID:   "r1",
		Gross:       dec("50000"),
		PlatformFee: dec("5000"),
		Status:      StatusCompleted,
	}}
	svc := newTestLedger(pool, repo, nil, nil)

	_, err := svc.Distribute(context.Background(), "pay1", authz.Identity{UserID: "admin", Role: authz.RoleAdmin})
	assert.ErrorIs(t, err, ErrNotDistributable)
	assert.False(t, repo.distributed, "escrow stays held until the work is done")
}

func TestInitiateRefund_ManualOnlyAfterRelease(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCancelled, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:                 "pay1",
		RequestID:          "r1",
		Gross:              dec("10000"),
		PlatformFee:        dec("1000"),
		Status:             StatusCompleted,
		ReleasedToProvider: true,
		GatewayOrderID:     strPtr("order-1"),
	}}
	svc := newTestLedger(pool, repo, nil, nil)

	_, err := svc.InitiateRefund(context.Background(), RefundParams{
		PaymentID: "pay1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Reason:    "request cancelled",
	})
	assert.ErrorIs(t, err, ErrManualOnly)
	assert.Nil(t, repo.refund)
}

func TestInitiateRefund_FullRefundOnCancelledRequest(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCancelled, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:             "pay1",
		RequestID:      "r1",
		Gross:          dec("10000"),
		PlatformFee:    dec("1000"),
		Status:         StatusCompleted,
		GatewayOrderID: strPtr("order-1"),
	}}
	gw := &fakeGateway{}
	svc := newTestLedger(pool, repo, nil, gw)

	_, err := svc.InitiateRefund(context.Background(), RefundParams{
		PaymentID: "pay1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Reason:    "request cancelled",
	})
	require.NoError(t, err)
	require.NotNil(t, repo.refund)
	assert.Equal(t, StatusRefunded, repo.refund.status)
	assert.True(t, repo.refund.pct.Equal(dec("100")))
	// 10000 − 100 processing fee, clamped to the 9000 fee ceiling
	assert.True(t, repo.refund.amount.Equal(dec("9000")), "got %s", repo.refund.amount)
	assert.True(t, gw.refunded.Equal(dec("9000")))
}

func TestInitiateRefund_PartialRefundMidWork(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusInProgress, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:             "pay1",
		RequestID:      "r1",
		Gross:          dec("10000"),
		PlatformFee:    dec("1000"),
		Status:         StatusCompleted,
		GatewayOrderID: strPtr("order-1"),
	}}
	gw := &fakeGateway{}
	svc := newTestLedger(pool, repo, nil, gw)

	_, err := svc.InitiateRefund(context.Background(), RefundParams{
		PaymentID: "pay1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Reason:    "provider stalled",
	})
	require.NoError(t, err)
	require.NotNil(t, repo.refund)
	assert.Equal(t, StatusPartiallyRefunded, repo.refund.status)
	assert.True(t, repo.refund.pct.Equal(dec("50")))
	// 10000 × 50% − 100 processing fee
	assert.True(t, repo.refund.amount.Equal(dec("4900")), "got %s", repo.refund.amount)
	assert.True(t, gw.refunded.Equal(dec("4900")))
}

func TestInitiateRefund_OverrideRequiresAdmin(t *testing.T) {
	svc := newTestLedger(&fakePool{}, &fakeLedgerRepo{}, nil, nil)

	pct := dec("75")
	_, err := svc.InitiateRefund(context.Background(), RefundParams{
		PaymentID:   "pay1",
		Actor:       authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Reason:      "goodwill",
		OverridePct: &pct,
	})
	assert.ErrorIs(t, err, ErrForbidden)

	bad := dec("150")
	_, err = svc.InitiateRefund(context.Background(), RefundParams{
		PaymentID:   "pay1",
		Actor:       authz.Identity{UserID: "root", Role: authz.RoleAdmin},
		Reason:      "goodwill",
		OverridePct: &bad,
	})
	assert.ErrorIs(t, err, ErrInvalidPercentage)
}

func TestInitiateRefund_GatewayFailureKeepsPayment(t *testing.T) {
	pool := &fakePool{hook: requestRow("c1", request.StatusCancelled, strPtr("p1"), nil, nil)}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:             "pay1",
		RequestID:      "r1",
		Gross:          dec("10000"),
		PlatformFee:    dec("1000"),
		Status:         StatusCompleted,
		GatewayOrderID: strPtr("order-1"),
	}}
	gw := &fakeGateway{refundErr: gateway.ErrGateway}
	svc := newTestLedger(pool, repo, nil, gw)

	_, err := svc.InitiateRefund(context.Background(), RefundParams{
		PaymentID: "pay1",
		Actor:     authz.Identity{UserID: "c1", Role: authz.RoleClient},
		Reason:    "request cancelled",
	})
	assert.ErrorIs(t, err, gateway.ErrGateway)
	assert.Nil(t, repo.refund, "no local mutation on gateway failure")
}

func TestVerify_BadSignature(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:             "pay1",
		Status:         StatusCreated,
		GatewayOrderID: strPtr("order-1"),
	}}
	gw := &fakeGateway{verifyErr: gateway.ErrBadSignature}
	svc := newTestLedger(pool, repo, nil, gw)

	_, err := svc.Verify(context.Background(), VerifyParams{
		PaymentID:  "pay1",
		PaymentRef: "ref-1",
		Signature:  "bogus",
	})
	assert.ErrorIs(t, err, gateway.ErrBadSignature)
	assert.Equal(t, StatusCreated, repo.payment.Status, "status untouched")
}

func TestVerify_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeLedgerRepo{payment: Payment{
		ID:             "pay1",
		Status:         StatusCreated,
		GatewayOrderID: strPtr("order-1"),
	}}
	svc := newTestLedger(pool, repo, nil, &fakeGateway{})

	p, err := svc.Verify(context.Background(), VerifyParams{
		PaymentID:  "pay1",
		PaymentRef: "ref-1",
		Signature:  "good",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.True(t, pool.tx.committed)
}
