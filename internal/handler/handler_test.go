package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/videocredits/internal/middleware"
	"github.com/mmeshcher/videocredits/internal/model"
	"github.com/mmeshcher/videocredits/internal/repository"
)

type stubService struct {
	createAccountID  int64
	createAccountErr error

	balanceResp *model.Balance
	balanceErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	submitJobResp *model.Job
	submitJobErr  error

	queueStatusResp *model.QueueStatus
	queueStatusErr  error

	transitionErr    error
	transitionStatus model.JobStatus

	createInvitationResp *model.Invitation
	createInvitationErr  error

	redeemResp *model.Invitation
	redeemErr  error

	changeID  int64
	changeErr error
}

func (s *stubService) CreateAccount(ctx context.Context) (int64, error) {
	return s.createAccountID, s.createAccountErr
}

func (s *stubService) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) SubmitVideoJob(ctx context.Context, accountID int64, params json.RawMessage, cost int64, priority int) (*model.Job, error) {
	return s.submitJobResp, s.submitJobErr
}

func (s *stubService) GetQueueStatus(ctx context.Context, jobID uuid.UUID) (*model.QueueStatus, error) {
	return s.queueStatusResp, s.queueStatusErr
}

func (s *stubService) TransitionJob(ctx context.Context, jobID uuid.UUID, newStatus model.JobStatus) error {
	s.transitionStatus = newStatus
	return s.transitionErr
}

func (s *stubService) CreateInvitation(ctx context.Context, inviterID int64, rewardCredits int64, ttl time.Duration) (*model.Invitation, error) {
	return s.createInvitationResp, s.createInvitationErr
}

func (s *stubService) RedeemInvitation(ctx context.Context, code string, inviteeID int64) (*model.Invitation, error) {
	return s.redeemResp, s.redeemErr
}

func (s *stubService) ChangeSubscription(ctx context.Context, c *model.SubscriptionChange) (int64, error) {
	return s.changeID, s.changeErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// authCookie возвращает валидный cookie авторизации для указанного счёта.
func authCookie(h *Handler, accountID int64) *http.Cookie {
	w := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(w, accountID)
	return w.Result().Cookies()[0]
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(w, req)
	return w
}

func TestGetBalance_OK(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{Balance: 120, LifetimeEarned: 150, LifetimeSpent: 30},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/account/balance", nil)
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var b model.Balance
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if b.Balance != 120 || b.LifetimeEarned != 150 || b.LifetimeSpent != 30 {
		t.Fatalf("unexpected balance: %+v", b)
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/account/balance", nil)
	w := doRequest(h, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestGetTransactions_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/account/transactions", nil)
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestSubmitJob_Accepted(t *testing.T) {
	position := int64(7)
	svc := &stubService{
		submitJobResp: &model.Job{
			ID:             uuid.MustParse("7f9c0a9e-0000-0000-0000-000000000001"),
			Status:         model.JobStatusPending,
			QueuePosition:  &position,
			QueueEnteredAt: time.Now(),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submitJobRequest{Cost: 10, Params: json.RawMessage(`{"scene":"intro"}`)})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	var resp submitJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != "7f9c0a9e-0000-0000-0000-000000000001" {
		t.Fatalf("job id = %s", resp.JobID)
	}
	if resp.QueuePosition != 7 {
		t.Fatalf("queue position = %d, want 7", resp.QueuePosition)
	}
}

func TestSubmitJob_InsufficientFunds(t *testing.T) {
	svc := &stubService{
		submitJobErr: repository.ErrInsufficientBalance,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submitJobRequest{Cost: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusPaymentRequired)
	}
}

func TestGetQueueStatus_OK(t *testing.T) {
	position := int64(3)
	svc := &stubService{
		queueStatusResp: &model.QueueStatus{
			Status:         model.JobStatusPending,
			QueuePosition:  &position,
			QueueEnteredAt: time.Now(),
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/7f9c0a9e-0000-0000-0000-000000000001", nil)
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp queueStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" || resp.QueuePosition == nil || *resp.QueuePosition != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetQueueStatus_NotFound(t *testing.T) {
	svc := &stubService{
		queueStatusErr: repository.ErrJobNotFound,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/7f9c0a9e-0000-0000-0000-000000000001", nil)
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestTransitionJob_WorkerCallback(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(transitionJobRequest{Status: "completed"})
	// Обратный вызов воркера не требует cookie
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/7f9c0a9e-0000-0000-0000-000000000001/status", bytes.NewReader(body))

	w := doRequest(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if svc.transitionStatus != model.JobStatusCompleted {
		t.Fatalf("transition status = %s, want completed", svc.transitionStatus)
	}
}

func TestTransitionJob_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		err      error
		wantCode int
	}{
		{name: "admission limit", status: "processing", err: repository.ErrAdmissionLimit, wantCode: http.StatusTooManyRequests},
		{name: "invalid transition", status: "completed", err: repository.ErrInvalidTransition, wantCode: http.StatusConflict},
		{name: "not found", status: "failed", err: repository.ErrJobNotFound, wantCode: http.StatusNotFound},
		{name: "unknown status", status: "paused", err: nil, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{transitionErr: tt.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(transitionJobRequest{Status: tt.status})
			req := httptest.NewRequest(http.MethodPost, "/api/jobs/7f9c0a9e-0000-0000-0000-000000000001/status", bytes.NewReader(body))

			w := doRequest(h, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestRedeemInvitation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "success", err: nil, wantCode: http.StatusOK},
		{name: "not found or expired", err: repository.ErrInvitationNotFound, wantCode: http.StatusNotFound},
		{name: "self referral", err: repository.ErrSelfReferral, wantCode: http.StatusUnprocessableEntity},
		{name: "already referred", err: repository.ErrAlreadyReferred, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				redeemErr: tt.err,
				redeemResp: &model.Invitation{
					Code:          "ABC123",
					Status:        model.InvitationAccepted,
					RewardCredits: 20,
				},
			}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(redeemInvitationRequest{Code: "ABC123"})
			req := httptest.NewRequest(http.MethodPost, "/api/invitations/redeem", bytes.NewReader(body))
			req.AddCookie(authCookie(h, 2))

			w := doRequest(h, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestCreateInvitation_OK(t *testing.T) {
	svc := &stubService{
		createInvitationResp: &model.Invitation{
			Code:          "7F9C0A9E4B2D",
			RewardCredits: 20,
			ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createInvitationRequest{RewardCredits: 20, TTLHours: 168})
	req := httptest.NewRequest(http.MethodPost, "/api/invitations", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp invitationResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "7F9C0A9E4B2D" || resp.RewardCredits != 20 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChangeSubscription_InsufficientFunds(t *testing.T) {
	svc := &stubService{
		changeErr: repository.ErrInsufficientBalance,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(subscriptionChangeRequest{
		SubscriptionID: 1,
		Action:         "downgrade",
		FromTier:       "pro",
		ToTier:         "basic",
		CreditsDelta:   -100,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/subscription/change", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1))

	w := doRequest(h, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusPaymentRequired)
	}
}

func TestCreateAccount_SetsCookie(t *testing.T) {
	svc := &stubService{createAccountID: 42}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/account", nil)
	w := doRequest(h, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	if len(w.Result().Cookies()) == 0 {
		t.Fatalf("no auth cookie set")
	}

	var resp map[string]int64
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != 42 {
		t.Fatalf("account id = %d, want 42", resp["id"])
	}
}
