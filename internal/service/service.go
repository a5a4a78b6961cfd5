// Package service реализует бизнес-логику сервиса видеокредитов.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/videocredits/internal/metrics"
	"github.com/mmeshcher/videocredits/internal/model"
	"github.com/mmeshcher/videocredits/internal/render"
	"github.com/mmeshcher/videocredits/internal/repository"
	"github.com/mmeshcher/videocredits/internal/validation"
)

// ErrInvalidAmount возвращается для неположительной суммы кредитной операции.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidCost возвращается для отрицательной стоимости задачи.
	ErrInvalidCost = errors.New("job cost must not be negative")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context) (int64, error)
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetBalance(ctx context.Context, accountID int64) (*model.Balance, error)
	AddCredits(ctx context.Context, accountID int64, txType model.TransactionType, amount int64, description string, ref *model.TxReference) (*repository.CreditResult, error)
	ConsumeCredits(ctx context.Context, accountID int64, amount int64, description string, ref *model.TxReference) (*repository.CreditResult, error)
	GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error)
	RecordAudit(ctx context.Context, e *model.AuditEntry) error
	CreateJob(ctx context.Context, accountID int64, params json.RawMessage, cost int64, priority int) (*model.Job, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, error)
	GetPendingJobs(ctx context.Context, limit int) ([]model.Job, error)
	TransitionJob(ctx context.Context, jobID uuid.UUID, newStatus model.JobStatus, maxProcessing int) error
	CreateInvitation(ctx context.Context, inviterID int64, code string, rewardCredits int64, expiresAt time.Time) (*model.Invitation, error)
	AcceptInvitation(ctx context.Context, code string, inviteeID int64) (*model.Invitation, error)
	ExpireInvitations(ctx context.Context) (int64, error)
	CreateSubscription(ctx context.Context, accountID int64, tier string, periodStart, periodEnd time.Time) (*model.Subscription, error)
	GetSubscriptionByAccount(ctx context.Context, accountID int64) (*model.Subscription, error)
	RecordSubscriptionChange(ctx context.Context, c *model.SubscriptionChange) (int64, error)
	ExpireSubscriptions(ctx context.Context) (int64, error)
}

// Service содержит бизнес-логику сервиса видеокредитов.
type Service struct {
	repo          Repository
	renderClient  *render.Client
	metrics       *metrics.Metrics
	logger        *zap.Logger
	maxProcessing int
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом движка рендеринга.
func NewService(repo Repository, renderClient *render.Client, m *metrics.Metrics, logger *zap.Logger, maxProcessing int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxProcessing <= 0 {
		maxProcessing = 3
	}
	return &Service{
		repo:          repo,
		renderClient:  renderClient,
		metrics:       m,
		logger:        logger,
		maxProcessing: maxProcessing,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateAccount создаёт новый счёт.
func (s *Service) CreateAccount(ctx context.Context) (int64, error) {
	return s.repo.CreateAccount(ctx)
}

// GetBalance возвращает баланс счёта по последней зафиксированной транзакции.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	return s.repo.GetBalance(ctx, accountID)
}

// GetTransactionsByAccount возвращает историю транзакций счёта.
func (s *Service) GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.repo.GetTransactionsByAccount(ctx, accountID)
}

// AddCredits начисляет кредиты на счёт.
func (s *Service) AddCredits(ctx context.Context, accountID int64, txType model.TransactionType, amount int64, description, source string, ref *model.TxReference) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	res, err := s.repo.AddCredits(ctx, accountID, txType, amount, description, ref)
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.CreditsAdded.Add(float64(amount))
	}

	s.audit(ctx, &model.AuditEntry{
		AccountID:     accountID,
		TransactionID: &res.TransactionID,
		Amount:        amount,
		BalanceBefore: res.NewBalance - amount,
		BalanceAfter:  res.NewBalance,
		OperationType: "add_credits",
		Source:        source,
	})

	return res.NewBalance, nil
}

// ConsumeCredits списывает кредиты со счёта. Недостаток средств — ожидаемый
// бизнес-результат, возвращаемый как repository.ErrInsufficientBalance.
func (s *Service) ConsumeCredits(ctx context.Context, accountID int64, amount int64, description, source string, ref *model.TxReference) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	res, err := s.repo.ConsumeCredits(ctx, accountID, amount, description, ref)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) && s.metrics != nil {
			s.metrics.InsufficientFunds.Inc()
		}
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.CreditsConsumed.Add(float64(amount))
	}

	s.audit(ctx, &model.AuditEntry{
		AccountID:     accountID,
		TransactionID: &res.TransactionID,
		Amount:        -amount,
		BalanceBefore: res.NewBalance + amount,
		BalanceAfter:  res.NewBalance,
		OperationType: "consume_credits",
		Source:        source,
	})

	return res.NewBalance, nil
}

// SubmitVideoJob ставит задачу рендеринга в очередь, списывая её стоимость.
// Возвращается сразу; допуск и обработка происходят асинхронно.
func (s *Service) SubmitVideoJob(ctx context.Context, accountID int64, params json.RawMessage, cost int64, priority int) (*model.Job, error) {
	if cost < 0 {
		return nil, ErrInvalidCost
	}

	job, err := s.repo.CreateJob(ctx, accountID, params, cost, priority)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) && s.metrics != nil {
			s.metrics.InsufficientFunds.Inc()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.JobsEnqueued.Inc()
	}

	s.audit(ctx, &model.AuditEntry{
		AccountID:     accountID,
		Amount:        -cost,
		OperationType: "job_submit",
		Source:        "api",
		Details:       json.RawMessage(fmt.Sprintf(`{"job_id":%q}`, job.ID)),
	})

	return job, nil
}

// GetQueueStatus возвращает статус и положение задачи в очереди.
func (s *Service) GetQueueStatus(ctx context.Context, jobID uuid.UUID) (*model.QueueStatus, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := &model.QueueStatus{
		Status:         job.Status,
		QueueEnteredAt: job.QueueEnteredAt,
	}
	if job.Status == model.JobStatusPending {
		st.QueuePosition = job.QueuePosition
	}
	return st, nil
}

// TransitionJob переводит задачу в новый статус с учётом лимита допуска.
func (s *Service) TransitionJob(ctx context.Context, jobID uuid.UUID, newStatus model.JobStatus) error {
	err := s.repo.TransitionJob(ctx, jobID, newStatus, s.maxProcessing)
	if s.metrics != nil {
		switch {
		case err == nil && newStatus == model.JobStatusProcessing:
			s.metrics.JobsAdmitted.Inc()
		case errors.Is(err, repository.ErrAdmissionLimit):
			s.metrics.AdmissionRejections.Inc()
		}
	}
	return err
}

// CreateInvitation создаёт приглашение с вознаграждением для пригласившего.
func (s *Service) CreateInvitation(ctx context.Context, inviterID int64, rewardCredits int64, ttl time.Duration) (*model.Invitation, error) {
	if rewardCredits <= 0 {
		return nil, ErrInvalidAmount
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	expiresAt := time.Now().UTC().Add(ttl)

	inv, err := s.repo.CreateInvitation(ctx, inviterID, newInvitationCode(), rewardCredits, expiresAt)
	if errors.Is(err, repository.ErrCodeCollision) {
		// Коллизия кода крайне маловероятна; одна повторная генерация достаточна.
		inv, err = s.repo.CreateInvitation(ctx, inviterID, newInvitationCode(), rewardCredits, expiresAt)
	}
	return inv, err
}

// RedeemInvitation принимает приглашение от имени указанного счёта.
func (s *Service) RedeemInvitation(ctx context.Context, code string, inviteeID int64) (*model.Invitation, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !validation.IsValidInvitationCode(code) {
		return nil, repository.ErrInvitationNotFound
	}

	inv, err := s.repo.AcceptInvitation(ctx, code, inviteeID)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CreditsAdded.Add(float64(inv.RewardCredits))
	}

	s.audit(ctx, &model.AuditEntry{
		AccountID:     inv.InviterID,
		Amount:        inv.RewardCredits,
		OperationType: "referral_reward",
		Source:        "referral",
		Details:       json.RawMessage(fmt.Sprintf(`{"invitation_id":%d,"invitee_id":%d}`, inv.ID, inviteeID)),
	})

	return inv, nil
}

// CreateSubscription создаёт активную подписку для счёта.
func (s *Service) CreateSubscription(ctx context.Context, accountID int64, tier string, periodDays int) (*model.Subscription, error) {
	if periodDays <= 0 {
		periodDays = 30
	}
	start := time.Now().UTC()
	return s.repo.CreateSubscription(ctx, accountID, tier, start, start.AddDate(0, 0, periodDays))
}

// GetSubscriptionByAccount возвращает подписку счёта.
func (s *Service) GetSubscriptionByAccount(ctx context.Context, accountID int64) (*model.Subscription, error) {
	return s.repo.GetSubscriptionByAccount(ctx, accountID)
}

// ChangeSubscription записывает изменение подписки вместе с кредитной частью.
// Изменение с нулевой дельтой кредитов всё равно попадает в журнал аудита.
func (s *Service) ChangeSubscription(ctx context.Context, c *model.SubscriptionChange) (int64, error) {
	changeID, err := s.repo.RecordSubscriptionChange(ctx, c)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) && s.metrics != nil {
			s.metrics.InsufficientFunds.Inc()
		}
		return 0, err
	}

	s.audit(ctx, &model.AuditEntry{
		AccountID:            c.AccountID,
		SubscriptionChangeID: &changeID,
		Amount:               c.CreditsDelta,
		OperationType:        "subscription_" + c.Action,
		Source:               "subscription",
		Details:              json.RawMessage(fmt.Sprintf(`{"from_tier":%q,"to_tier":%q,"reason":%q}`, c.FromTier, c.ToTier, c.Reason)),
	})

	return changeID, nil
}

// audit пишет запись в журнал аудита. Ошибка аудита логируется и не влияет
// на исход основной операции.
func (s *Service) audit(ctx context.Context, e *model.AuditEntry) {
	if err := s.repo.RecordAudit(ctx, e); err != nil {
		s.logger.Warn("audit record failed",
			zap.Error(err),
			zap.Int64("accountID", e.AccountID),
			zap.String("operation", e.OperationType),
		)
	}
}

// StartSweeps запускает периодическую обработку просроченных подписок и приглашений.
func (s *Service) StartSweeps(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runSweep(ctx)
			}
		}
	}()
}

func (s *Service) runSweep(ctx context.Context) {
	expired, err := s.repo.ExpireSubscriptions(ctx)
	if err != nil {
		s.logger.Warn("expire subscriptions failed", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("subscriptions expired", zap.Int64("count", expired))
	}

	expired, err = s.repo.ExpireInvitations(ctx)
	if err != nil {
		s.logger.Warn("expire invitations failed", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("invitations expired", zap.Int64("count", expired))
	}
}

// StartJobDispatch запускает фоновую выдачу ожидающих задач движку рендеринга.
// Задачи допускаются к обработке в порядке очереди с учётом лимита на счёт;
// результат рендеринга движок сообщает обратным вызовом через TransitionJob.
func (s *Service) StartJobDispatch(ctx context.Context) {
	if s.renderClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchBatch(ctx)
			}
		}
	}()
}

func (s *Service) dispatchBatch(ctx context.Context) {
	jobs, err := s.repo.GetPendingJobs(ctx, 100)
	if err != nil {
		s.logger.Warn("get pending jobs failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		err := s.TransitionJob(ctx, job.ID, model.JobStatusProcessing)
		if err != nil {
			// Лимит допуска не ошибка: задача остаётся в очереди до следующего тика.
			if !errors.Is(err, repository.ErrAdmissionLimit) {
				s.logger.Warn("admit job failed", zap.Error(err), zap.String("jobID", job.ID.String()))
			}
			continue
		}

		statusCode, retryAfter, err := s.renderClient.SubmitJob(ctx, render.JobRequest{
			JobID:     job.ID.String(),
			AccountID: job.AccountID,
			Params:    job.Params,
		})
		if err != nil || statusCode == http.StatusTooManyRequests {
			// Повторов нет: задача завершается с ошибкой, кредиты возвращаются,
			// повторная отправка создаёт новую задачу.
			if ferr := s.TransitionJob(ctx, job.ID, model.JobStatusFailed); ferr != nil {
				s.logger.Error("fail job after dispatch error", zap.Error(ferr), zap.String("jobID", job.ID.String()))
			}
			s.logger.Warn("dispatch job failed", zap.Error(err), zap.String("jobID", job.ID.String()))

			if statusCode == http.StatusTooManyRequests && retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
	}
}

// newInvitationCode генерирует код приглашения из случайного UUID.
func newInvitationCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:12]
}
