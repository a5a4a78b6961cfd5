// Package model содержит доменные сущности сервиса видеокредитов.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account представляет счёт пользователя с балансом кредитов.
// Инвариант: Balance == LifetimeEarned - LifetimeSpent, Balance >= 0.
type Account struct {
	ID             int64
	Balance        int64
	LifetimeEarned int64
	LifetimeSpent  int64
	ReferrerID     *int64
	CreatedAt      time.Time
}

// TransactionType описывает тип операции с кредитами.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionReward   TransactionType = "reward"
	TransactionConsume  TransactionType = "consume"
	TransactionRefund   TransactionType = "refund"
)

// TxReference указывает на сущность, породившую транзакцию (задача, приглашение и т.п.).
type TxReference struct {
	ID   string
	Type string
}

// Transaction описывает одно неизменяемое изменение баланса счёта.
// Инвариант: BalanceAfter == BalanceBefore + Amount.
type Transaction struct {
	ID            int64
	AccountID     int64
	Type          TransactionType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Reference     *TxReference
	Description   string
	CreatedAt     time.Time
}

// AuditEntry описывает запись журнала аудита. Журнал дополняет леджер транзакций
// произвольным контекстом и не обязан соответствовать транзакциям один к одному.
type AuditEntry struct {
	ID                   int64
	AccountID            int64
	TransactionID        *int64
	SubscriptionChangeID *int64
	Amount               int64
	BalanceBefore        int64
	BalanceAfter         int64
	OperationType        string
	Source               string
	Details              json.RawMessage
	CreatedAt            time.Time
}

// JobStatus описывает статус задачи рендеринга видео.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job описывает задачу рендеринга видео в очереди.
type Job struct {
	ID             uuid.UUID
	AccountID      int64
	Status         JobStatus
	QueuePosition  *int64
	QueueEnteredAt time.Time
	QueueStartedAt *time.Time
	QueuePriority  int
	CreditsUsed    int64
	Params         json.RawMessage
	IsDeleted      bool
	CreatedAt      time.Time
}

// InvitationStatus описывает статус приглашения.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation описывает одноразовое приглашение с вознаграждением пригласившему.
type Invitation struct {
	ID            int64
	InviterID     int64
	InviteeID     *int64
	Code          string
	Status        InvitationStatus
	RewardCredits int64
	ExpiresAt     time.Time
	AcceptedAt    *time.Time
	CreatedAt     time.Time
}

// SubscriptionStatus описывает статус подписки.
type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionExpired SubscriptionStatus = "expired"
)

// Subscription описывает текущую подписку счёта.
type Subscription struct {
	ID                int64
	AccountID         int64
	Tier              string
	Status            SubscriptionStatus
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionChange описывает одну запись истории изменений подписки.
// Записи только добавляются и всегда сопровождают обновление самой подписки.
type SubscriptionChange struct {
	ID             int64
	SubscriptionID int64
	AccountID      int64
	Action         string
	FromTier       string
	ToTier         string
	CreditsDelta   int64
	DaysRemaining  int
	Reason         string
	CreatedAt      time.Time
}

// Balance содержит баланс счёта и накопительные счётчики.
type Balance struct {
	Balance        int64 `json:"balance"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	LifetimeSpent  int64 `json:"lifetime_spent"`
}

// QueueStatus содержит сведения о положении задачи в очереди.
type QueueStatus struct {
	Status         JobStatus
	QueuePosition  *int64
	QueueEnteredAt time.Time
}
