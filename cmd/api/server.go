package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"servicehub/assignment"
	"servicehub/auth"
	"servicehub/authz"
	"servicehub/dispute"
	"servicehub/firm"
	"servicehub/payment"
	"servicehub/provider"
	"servicehub/request"

	"github.com/shopspring/decimal"
)

type ctxKey int

const ctxKeyIdentity ctxKey = iota

type requestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.Request, error)
	Get(ctx context.Context, id string) (request.Request, error)
	List(ctx context.Context, filters request.Filters) ([]request.Request, int, error)
	History(ctx context.Context, requestID string) ([]request.Event, error)
	Accept(ctx context.Context, requestID, providerID string, actor authz.Identity) (request.Request, error)
	Start(ctx context.Context, requestID, providerID string, actor authz.Identity) (request.Request, error)
	Complete(ctx context.Context, requestID, providerID string, actor authz.Identity) (request.Request, error)
	Reject(ctx context.Context, params request.ReopenParams) (request.Request, error)
	Abandon(ctx context.Context, params request.ReopenParams) (request.Request, error)
	Cancel(ctx context.Context, params request.CancelParams) (request.Request, error)
	Update(ctx context.Context, params request.UpdateParams) (request.Request, error)
}

type assignmentEngine interface {
	ComputeAssignment(ctx context.Context, requestID string) (assignment.Proposal, error)
	ManualAssign(ctx context.Context, params assignment.ManualAssignParams) (assignment.Proposal, error)
	LatestProposal(ctx context.Context, requestID string) (assignment.Proposal, error)
}

type paymentService interface {
	Create(ctx context.Context, params payment.CreateParams) (payment.Payment, error)
	Verify(ctx context.Context, params payment.VerifyParams) (payment.Payment, error)
	Distribute(ctx context.Context, paymentID string, actor authz.Identity) ([]payment.Distribution, error)
	Release(ctx context.Context, paymentID string, actor authz.Identity) error
	CheckRefundEligibility(ctx context.Context, paymentID string) (payment.Eligibility, error)
	InitiateRefund(ctx context.Context, params payment.RefundParams) (payment.Payment, error)
	GetByRequest(ctx context.Context, requestID string) (payment.Payment, error)
	Distributions(ctx context.Context, paymentID string) ([]payment.Distribution, error)
}

type disputeService interface {
	List(ctx context.Context, actor authz.Identity, paymentID string) ([]dispute.Record, error)
	Raise(ctx context.Context, actor authz.Identity, paymentID, reason string) (dispute.Record, error)
	Resolve(ctx context.Context, actor authz.Identity, disputeID, resolution string) (dispute.Record, error)
}

type accountService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

type tokenVerifier interface {
	Verify(token string) (authz.Identity, error)
}

// Server carries the HTTP surface over the domain services.
type Server struct {
	requests requestService
	engine   assignmentEngine
	payments paymentService
	disputes disputeService
	accounts accountService
	verifier tokenVerifier
	log      *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/requests", s.handleCreateRequest)
	mux.HandleFunc("GET /api/requests", s.handleListRequests)
	mux.HandleFunc("GET /api/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("PATCH /api/requests/{id}", s.handleUpdateRequest)
	mux.HandleFunc("GET /api/requests/{id}/history", s.handleRequestHistory)
	mux.HandleFunc("POST /api/requests/{id}/accept", s.handleAccept)
	mux.HandleFunc("POST /api/requests/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/requests/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/requests/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/requests/{id}/abandon", s.handleAbandon)
	mux.HandleFunc("POST /api/requests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/requests/{id}/assignment", s.handleComputeAssignment)
	mux.HandleFunc("GET /api/requests/{id}/assignment", s.handleLatestProposal)
	mux.HandleFunc("POST /api/requests/{id}/assignment/manual", s.handleManualAssign)

	mux.HandleFunc("POST /api/payments", s.handleCreatePayment)
	mux.HandleFunc("POST /api/payments/verify", s.handleVerifyPayment)
	mux.HandleFunc("GET /api/requests/{id}/payment", s.handlePaymentByRequest)
	mux.HandleFunc("POST /api/payments/{id}/distribute", s.handleDistribute)
	mux.HandleFunc("GET /api/payments/{id}/distributions", s.handleDistributions)
	mux.HandleFunc("POST /api/payments/{id}/release", s.handleRelease)
	mux.HandleFunc("GET /api/payments/{id}/refund-eligibility", s.handleRefundEligibility)
	mux.HandleFunc("POST /api/payments/{id}/refund", s.handleRefund)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/me", s.handleMe)

	mux.HandleFunc("GET /api/disputes", s.handleListDisputes)
	mux.HandleFunc("POST /api/disputes", s.handleRaiseDispute)
	mux.HandleFunc("PATCH /api/disputes/{id}", s.handleResolveDispute)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return s.withAuth(mux)
}

// withAuth resolves the bearer token into an Identity. /healthz and the auth
// endpoints pass through.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/api/auth/") {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) authz.Identity {
	id, _ := r.Context().Value(ctxKeyIdentity).(authz.Identity)
	return id
}

type requestResponse struct {
	ID            string  `json:"id"`
	ClientID      string  `json:"clientId"`
	ProviderID    *string `json:"providerId,omitempty"`
	FirmID        *string `json:"firmId,omitempty"`
	Category      string  `json:"category"`
	Urgency       string  `json:"urgency"`
	BudgetHint    *string `json:"budgetHint,omitempty"`
	Deadline      *string `json:"deadline,omitempty"`
	Description   string  `json:"description"`
	Status        string  `json:"status"`
	ReopenedCount int     `json:"reopenedCount"`
	CancelReason  *string `json:"cancelReason,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

func toRequestResponse(req request.Request) requestResponse {
	resp := requestResponse{
		ID:            req.ID,
		ClientID:      req.ClientID,
		ProviderID:    req.ProviderID,
		FirmID:        req.FirmID,
		Category:      req.Category,
		Urgency:       req.Urgency,
		Description:   req.Description,
		Status:        string(req.Status),
		ReopenedCount: req.ReopenedCount,
		CancelReason:  req.CancelReason,
		CreatedAt:     req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     req.UpdatedAt.Format(time.RFC3339),
	}
	if req.BudgetHint != nil {
		s := req.BudgetHint.String()
		resp.BudgetHint = &s
	}
	if req.Deadline != nil {
		s := req.Deadline.Format(time.RFC3339)
		resp.Deadline = &s
	}
	return resp
}

type proposalResponse struct {
	ID         string  `json:"id"`
	RequestID  string  `json:"requestId"`
	ProviderID string  `json:"providerId"`
	Method     string  `json:"method"`
	Score      float64 `json:"score"`
	Reason     *string `json:"reason,omitempty"`
	AssignedBy *string `json:"assignedBy,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

func toProposalResponse(p assignment.Proposal) proposalResponse {
	return proposalResponse{
		ID:         p.ID,
		RequestID:  p.RequestID,
		ProviderID: p.ProviderID,
		Method:     string(p.Method),
		Score:      p.Score,
		Reason:     p.Reason,
		AssignedBy: p.AssignedBy,
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
	}
}

type paymentResponse struct {
	ID           string  `json:"id"`
	RequestID    string  `json:"requestId"`
	PayerID      string  `json:"payerId"`
	Gross        string  `json:"gross"`
	PlatformFee  string  `json:"platformFee"`
	Status       string  `json:"status"`
	OrderID      *string `json:"orderId,omitempty"`
	Released     bool    `json:"released"`
	RefundPct    *string `json:"refundPct,omitempty"`
	RefundAmount *string `json:"refundAmount,omitempty"`
	CreatedAt    string  `json:"createdAt"`
}

func toPaymentResponse(p payment.Payment) paymentResponse {
	resp := paymentResponse{
		ID:          p.ID,
		RequestID:   p.RequestID,
		PayerID:     p.PayerID,
		Gross:       p.Gross.String(),
		PlatformFee: p.PlatformFee.String(),
		Status:      string(p.Status),
		OrderID:     p.GatewayOrderID,
		Released:    p.ReleasedToProvider,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
	if p.RefundPct != nil {
		s := p.RefundPct.String()
		resp.RefundPct = &s
	}
	if p.RefundAmount != nil {
		s := p.RefundAmount.String()
		resp.RefundAmount = &s
	}
	return resp
}

type distributionResponse struct {
	PayeeID    string `json:"payeeId"`
	GrossShare string `json:"grossShare"`
	Withheld   string `json:"withheld"`
	Net        string `json:"net"`
}

type disputeResponse struct {
	ID         string  `json:"id"`
	PaymentID  string  `json:"paymentId"`
	RaisedBy   string  `json:"raisedBy"`
	Reason     string  `json:"reason"`
	Resolution *string `json:"resolution,omitempty"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"createdAt"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:         rec.ID,
		PaymentID:  rec.PaymentID,
		RaisedBy:   rec.RaisedBy,
		Reason:     rec.Reason,
		Resolution: rec.Resolution,
		Status:     string(rec.Status),
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category    string  `json:"category"`
		Urgency     string  `json:"urgency"`
		BudgetHint  *string `json:"budgetHint"`
		Deadline    *string `json:"deadline"`
		Description string  `json:"description"`
		FirmID      *string `json:"firmId"`
		ProviderID  *string `json:"providerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := request.CreateParams{
		Actor:       identityFrom(r),
		Category:    body.Category,
		Urgency:     body.Urgency,
		Description: body.Description,
		FirmID:      body.FirmID,
		ProviderID:  body.ProviderID,
	}
	if body.BudgetHint != nil {
		hint, err := decimal.NewFromString(*body.BudgetHint)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid budgetHint")
			return
		}
		params.BudgetHint = &hint
	}
	if body.Deadline != nil {
		deadline, err := time.Parse(time.RFC3339, *body.Deadline)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid deadline")
			return
		}
		params.Deadline = &deadline
	}

	req, err := s.requests.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := request.Filters{
		ClientID:   q.Get("clientId"),
		ProviderID: q.Get("providerId"),
		Status:     request.Status(q.Get("status")),
		Category:   q.Get("category"),
		SortKey:    q.Get("sort"),
		SortOrder:  q.Get("order"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = size
	}

	items, total, err := s.requests.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]requestResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toRequestResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description *string `json:"description"`
		Deadline    *string `json:"deadline"`
		BudgetHint  *string `json:"budgetHint"`
		Urgency     *string `json:"urgency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := request.UpdateParams{
		RequestID:   r.PathValue("id"),
		Actor:       identityFrom(r),
		Description: body.Description,
		Urgency:     body.Urgency,
	}
	if body.BudgetHint != nil {
		hint, err := decimal.NewFromString(*body.BudgetHint)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid budgetHint")
			return
		}
		params.BudgetHint = &hint
	}
	if body.Deadline != nil {
		deadline, err := time.Parse(time.RFC3339, *body.Deadline)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid deadline")
			return
		}
		params.Deadline = &deadline
	}

	req, err := s.requests.Update(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.requests.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	type eventResponse struct {
		ID        int64   `json:"id"`
		Type      string  `json:"type"`
		Reason    *string `json:"reason,omitempty"`
		Note      *string `json:"note,omitempty"`
		ActorID   *string `json:"actorId,omitempty"`
		CreatedAt string  `json:"createdAt"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		resp := eventResponse{
			ID:        ev.ID,
			Type:      ev.Type,
			Note:      ev.Note,
			ActorID:   ev.ActorID,
			CreatedAt: ev.CreatedAt.Format(time.RFC3339),
		}
		if ev.ReasonCode != nil {
			code := string(*ev.ReasonCode)
			resp.Reason = &code
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.handleAssigneeTransition(w, r, s.requests.Accept)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleAssigneeTransition(w, r, s.requests.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.handleAssigneeTransition(w, r, s.requests.Complete)
}

func (s *Server) handleAssigneeTransition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, requestID, providerID string, actor authz.Identity) (request.Request, error)) {
	var body struct {
		ProviderID string `json:"providerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	actor := identityFrom(r)
	if body.ProviderID == "" {
		body.ProviderID = actor.UserID
	}

	req, err := op(r.Context(), r.PathValue("id"), body.ProviderID, actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleReopen(w, r, s.requests.Reject)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.handleReopen(w, r, s.requests.Abandon)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, params request.ReopenParams) (request.Request, error)) {
	var body struct {
		ProviderID string `json:"providerId"`
		Reason     string `json:"reason"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	actor := identityFrom(r)
	if body.ProviderID == "" {
		body.ProviderID = actor.UserID
	}

	req, err := op(r.Context(), request.ReopenParams{
		RequestID:  r.PathValue("id"),
		ProviderID: body.ProviderID,
		Actor:      actor,
		Reason:     request.ReasonCode(body.Reason),
		Note:       body.Note,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason *string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	req, err := s.requests.Cancel(r.Context(), request.CancelParams{
		RequestID: r.PathValue("id"),
		Actor:     identityFrom(r),
		Reason:    body.Reason,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleComputeAssignment(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.engine.ComputeAssignment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(proposal))
}

func (s *Server) handleLatestProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.engine.LatestProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalResponse(proposal))
}

func (s *Server) handleManualAssign(w http.ResponseWriter, r *http.Request) {
	actor := identityFrom(r)
	if !authz.IsAdmin(actor) {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	var body struct {
		ProviderID string `json:"providerId"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	proposal, err := s.engine.ManualAssign(r.Context(), assignment.ManualAssignParams{
		RequestID:  r.PathValue("id"),
		ProviderID: body.ProviderID,
		ActorID:    actor.UserID,
		Reason:     body.Reason,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalResponse(proposal))
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID string `json:"requestId"`
		Amount    string `json:"amount"`
		Currency  string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	p, err := s.payments.Create(r.Context(), payment.CreateParams{
		RequestID: body.RequestID,
		Actor:     identityFrom(r),
		Amount:    amount,
		Currency:  body.Currency,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentID  string `json:"paymentId"`
		PaymentRef string `json:"paymentRef"`
		Signature  string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	p, err := s.payments.Verify(r.Context(), payment.VerifyParams{
		PaymentID:  body.PaymentID,
		PaymentRef: body.PaymentRef,
		Signature:  body.Signature,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (s *Server) handlePaymentByRequest(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.GetByRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	actor := identityFrom(r)
	if !authz.IsAdmin(actor) {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	rows, err := s.payments.Distribute(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": toDistributionResponses(rows)})
}

func (s *Server) handleDistributions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.payments.Distributions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toDistributionResponses(rows)})
}

func toDistributionResponses(rows []payment.Distribution) []distributionResponse {
	out := make([]distributionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, distributionResponse{
			PayeeID:    row.PayeeID,
			GrossShare: row.GrossShare.String(),
			Withheld:   row.Withheld.String(),
			Net:        row.Net.String(),
		})
	}
	return out
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.payments.Release(r.Context(), r.PathValue("id"), identityFrom(r)); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefundEligibility(w http.ResponseWriter, r *http.Request) {
	elig, err := s.payments.CheckRefundEligibility(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eligible":   elig.Eligible,
		"manualOnly": elig.ManualOnly,
		"percentage": elig.Percentage.String(),
		"amount":     elig.Amount.String(),
		"reason":     elig.Reason,
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason      string  `json:"reason"`
		OverridePct *string `json:"overridePct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := payment.RefundParams{
		PaymentID: r.PathValue("id"),
		Actor:     identityFrom(r),
		Reason:    body.Reason,
	}
	if body.OverridePct != nil {
		pct, err := decimal.NewFromString(*body.OverridePct)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid overridePct")
			return
		}
		params.OverridePct = &pct
	}

	p, err := s.payments.InitiateRefund(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

type userResponse struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	FullName   string  `json:"fullName"`
	Phone      *string `json:"phone,omitempty"`
	ProviderID *string `json:"providerId,omitempty"`
	Role       string  `json:"role"`
	CreatedAt  string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:         u.ID,
		Email:      u.Email,
		FullName:   u.FullName,
		Phone:      u.Phone,
		ProviderID: u.ProviderID,
		Role:       string(u.Role),
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, err := s.accounts.Register(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid registration")
		}
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.accounts.Login(r.Context(), body)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.accounts.GetUserByID(r.Context(), identityFrom(r).UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputes.List(r.Context(), identityFrom(r), r.URL.Query().Get("paymentId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaymentID string `json:"paymentId"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.disputes.Raise(r.Context(), identityFrom(r), body.PaymentID, body.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.disputes.Resolve(r.Context(), identityFrom(r), r.PathValue("id"), body.Resolution)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

// writeServiceError maps domain sentinels onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, firm.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, assignment.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, request.ErrForbidden),
		errors.Is(err, payment.ErrForbidden),
		errors.Is(err, dispute.ErrForbidden),
		errors.Is(err, authz.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, request.ErrStateConflict),
		errors.Is(err, request.ErrNotProposed),
		errors.Is(err, assignment.ErrNotAssignable),
		errors.Is(err, provider.ErrCapacityExceeded),
		errors.Is(err, payment.ErrNotPayable),
		errors.Is(err, payment.ErrDuplicatePayment),
		errors.Is(err, payment.ErrAlreadyDistributed),
		errors.Is(err, payment.ErrNotDistributable),
		errors.Is(err, payment.ErrNotRefundable),
		errors.Is(err, payment.ErrManualOnly),
		errors.Is(err, payment.ErrDisputeOpen),
		errors.Is(err, payment.ErrAlreadyReleased),
		errors.Is(err, dispute.ErrBadStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, assignment.ErrNoCandidates):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, request.ErrInvalidReason),
		errors.Is(err, assignment.ErrReasonRequired),
		errors.Is(err, assignment.ErrIneligibleCandidate),
		errors.Is(err, payment.ErrAmountOutOfBand),
		errors.Is(err, payment.ErrInvalidPercentage),
		errors.Is(err, dispute.ErrReasonRequired),
		errors.Is(err, firm.ErrBadSplit):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
