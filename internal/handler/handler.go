// Package handler содержит HTTP-обработчики API сервиса видеокредитов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/videocredits/internal/middleware"
	"github.com/mmeshcher/videocredits/internal/model"
	"github.com/mmeshcher/videocredits/internal/repository"
	"github.com/mmeshcher/videocredits/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateAccount(ctx context.Context) (int64, error)
	GetBalance(ctx context.Context, accountID int64) (*model.Balance, error)
	GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error)
	SubmitVideoJob(ctx context.Context, accountID int64, params json.RawMessage, cost int64, priority int) (*model.Job, error)
	GetQueueStatus(ctx context.Context, jobID uuid.UUID) (*model.QueueStatus, error)
	TransitionJob(ctx context.Context, jobID uuid.UUID, newStatus model.JobStatus) error
	CreateInvitation(ctx context.Context, inviterID int64, rewardCredits int64, ttl time.Duration) (*model.Invitation, error)
	RedeemInvitation(ctx context.Context, code string, inviteeID int64) (*model.Invitation, error)
	ChangeSubscription(ctx context.Context, c *model.SubscriptionChange) (int64, error)
}

// Handler реализует HTTP-обработчики API сервиса видеокредитов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// CreateAccount создаёт новый счёт и устанавливает cookie авторизации.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := h.service.CreateAccount(r.Context())
	if err != nil {
		h.logger.Error("create account error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": accountID})
}

// GetBalance возвращает баланс текущего счёта.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type transactionResponse struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// GetTransactions возвращает историю транзакций текущего счёта.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.GetTransactionsByAccount(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("accountID", accountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		tr := transactionResponse{
			ID:            t.ID,
			Type:          string(t.Type),
			Amount:        t.Amount,
			BalanceBefore: t.BalanceBefore,
			BalanceAfter:  t.BalanceAfter,
			Description:   t.Description,
			CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		}
		if t.Reference != nil {
			tr.ReferenceID = t.Reference.ID
			tr.ReferenceType = t.Reference.Type
		}
		resp = append(resp, tr)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type submitJobRequest struct {
	Params   json.RawMessage `json:"params"`
	Cost     int64           `json:"cost"`
	Priority int             `json:"priority"`
}

type submitJobResponse struct {
	JobID          string `json:"job_id"`
	QueuePosition  int64  `json:"queue_position"`
	QueueEnteredAt string `json:"queue_entered_at"`
}

// SubmitJob ставит задачу рендеринга видео в очередь от имени текущего счёта.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	job, err := h.service.SubmitVideoJob(r.Context(), accountID, req.Params, req.Cost, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCost):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("submit job error", zap.Error(err), zap.Int64("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	var position int64
	if job.QueuePosition != nil {
		position = *job.QueuePosition
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitJobResponse{
		JobID:          job.ID.String(),
		QueuePosition:  position,
		QueueEnteredAt: job.QueueEnteredAt.Format(time.RFC3339),
	})
}

type queueStatusResponse struct {
	Status         string `json:"status"`
	QueuePosition  *int64 `json:"queue_position,omitempty"`
	QueueEnteredAt string `json:"queue_entered_at"`
}

// GetQueueStatus возвращает статус задачи в очереди.
func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetAccountIDFromContext(r.Context()); !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	st, err := h.service.GetQueueStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get queue status error", zap.Error(err), zap.String("jobID", jobID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(queueStatusResponse{
		Status:         string(st.Status),
		QueuePosition:  st.QueuePosition,
		QueueEnteredAt: st.QueueEnteredAt.Format(time.RFC3339),
	})
}

type transitionJobRequest struct {
	Status string `json:"status"`
}

// TransitionJob переводит задачу в новый статус. Вызывается пулом воркеров
// рендеринга по завершении или сбое обработки.
func (h *Handler) TransitionJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req transitionJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newStatus := model.JobStatus(req.Status)
	switch newStatus {
	case model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed:
	default:
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.TransitionJob(r.Context(), jobID, newStatus)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrJobNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrAdmissionLimit):
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		case errors.Is(err, repository.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("transition job error", zap.Error(err), zap.String("jobID", jobID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createInvitationRequest struct {
	RewardCredits int64 `json:"reward_credits"`
	TTLHours      int   `json:"ttl_hours"`
}

type invitationResponse struct {
	Code          string `json:"code"`
	RewardCredits int64  `json:"reward_credits"`
	ExpiresAt     string `json:"expires_at"`
}

// CreateInvitation создаёт приглашение от имени текущего счёта.
func (h *Handler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.CreateInvitation(r.Context(), accountID, req.RewardCredits, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrCodeCollision):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("create invitation error", zap.Error(err), zap.Int64("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(invitationResponse{
		Code:          inv.Code,
		RewardCredits: inv.RewardCredits,
		ExpiresAt:     inv.ExpiresAt.Format(time.RFC3339),
	})
}

type redeemInvitationRequest struct {
	Code string `json:"code"`
}

// RedeemInvitation принимает приглашение от имени текущего счёта.
func (h *Handler) RedeemInvitation(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, err := h.service.RedeemInvitation(r.Context(), req.Code, accountID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvitationNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrSelfReferral):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, repository.ErrAlreadyReferred):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrAccountNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("redeem invitation error", zap.Error(err), zap.Int64("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type subscriptionChangeRequest struct {
	SubscriptionID int64  `json:"subscription_id"`
	Action         string `json:"action"`
	FromTier       string `json:"from_tier"`
	ToTier         string `json:"to_tier"`
	CreditsDelta   int64  `json:"credits_delta"`
	DaysRemaining  int    `json:"days_remaining"`
	Reason         string `json:"reason"`
}

// ChangeSubscription записывает изменение подписки текущего счёта.
func (h *Handler) ChangeSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req subscriptionChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Action == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	changeID, err := h.service.ChangeSubscription(r.Context(), &model.SubscriptionChange{
		SubscriptionID: req.SubscriptionID,
		AccountID:      accountID,
		Action:         req.Action,
		FromTier:       req.FromTier,
		ToTier:         req.ToTier,
		CreditsDelta:   req.CreditsDelta,
		DaysRemaining:  req.DaysRemaining,
		Reason:         req.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSubscriptionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("change subscription error", zap.Error(err), zap.Int64("accountID", accountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"change_id": changeID})
}
