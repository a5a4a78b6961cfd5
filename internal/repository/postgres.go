// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/videocredits/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountNotFound возвращается, если счёт не найден.
var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrJobNotFound возвращается, если задача не найдена.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса задачи.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrAdmissionLimit возвращается, когда у счёта уже обрабатывается максимум задач.
	ErrAdmissionLimit = errors.New("per-account processing limit reached")
	// ErrInvitationNotFound возвращается для несуществующего, просроченного или уже принятого приглашения.
	ErrInvitationNotFound = errors.New("invitation not found or expired")
	// ErrSelfReferral возвращается при попытке принять собственное приглашение.
	ErrSelfReferral = errors.New("self referral is not allowed")
	// ErrAlreadyReferred возвращается, если у счёта уже зафиксирован пригласивший.
	ErrAlreadyReferred = errors.New("account already has a referrer")
	// ErrCodeCollision возвращается при конфликте кода приглашения.
	ErrCodeCollision = errors.New("invitation code already exists")
	// ErrSubscriptionNotFound возвращается, если подписка не найдена.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при deadlock или serialization failure. Составные операции
// (принятие приглашения, смена подписки) берут блокировки нескольких строк, поэтому
// взаимоблокировки возможны и разрешаются повтором.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт новый счёт с нулевым балансом.
func (r *PostgresRepository) CreateAccount(ctx context.Context) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts DEFAULT VALUES RETURNING id`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

// GetAccount возвращает счёт по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, balance, lifetime_earned, lifetime_spent, referrer_id, created_at
		 FROM accounts WHERE id = $1`,
		accountID,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Balance, &a.LifetimeEarned, &a.LifetimeSpent, &a.ReferrerID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// GetBalance возвращает баланс счёта и накопительные счётчики.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT balance, lifetime_earned, lifetime_spent FROM accounts WHERE id = $1`,
		accountID,
	)

	var b model.Balance
	err := row.Scan(&b.Balance, &b.LifetimeEarned, &b.LifetimeSpent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}

	return &b, nil
}

// applyCredit изменяет баланс счёта внутри открытой транзакции и добавляет запись в леджер.
// Строка счёта блокируется FOR UPDATE, поэтому конкурентные изменения одного счёта
// строго сериализуются. amount подписан: положительный — начисление, отрицательный — списание.
func (r *PostgresRepository) applyCredit(ctx context.Context, tx pgx.Tx, accountID int64, txType model.TransactionType, amount int64, description string, ref *model.TxReference) (int64, int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, fmt.Errorf("lock account for update: %w", err)
	}

	newBalance := balance + amount
	if newBalance < 0 {
		return 0, 0, ErrInsufficientBalance
	}

	// Возврат уменьшает lifetime_spent, а не увеличивает lifetime_earned:
	// накопительные счётчики отражают фактические заработки и траты.
	switch {
	case txType == model.TransactionRefund:
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2, lifetime_spent = lifetime_spent - $2 WHERE id = $1`,
			accountID, amount,
		)
	case amount >= 0:
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2, lifetime_earned = lifetime_earned + $2 WHERE id = $1`,
			accountID, amount,
		)
	default:
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $2, lifetime_spent = lifetime_spent - $2 WHERE id = $1`,
			accountID, amount,
		)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("update account balance: %w", err)
	}

	var refID, refType *string
	if ref != nil {
		refID = &ref.ID
		refType = &ref.Type
	}

	var txID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, type, amount, balance_before, balance_after, reference_id, reference_type, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		accountID, string(txType), amount, balance, newBalance, refID, refType, description,
	).Scan(&txID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert transaction: %w", err)
	}

	return newBalance, txID, nil
}

// CreditResult содержит итог изменения баланса.
type CreditResult struct {
	NewBalance    int64
	TransactionID int64
}

// AddCredits начисляет кредиты на счёт и добавляет запись в леджер.
func (r *PostgresRepository) AddCredits(ctx context.Context, accountID int64, txType model.TransactionType, amount int64, description string, ref *model.TxReference) (*CreditResult, error) {
	var res *CreditResult
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		newBalance, txID, err := r.applyCredit(ctx, tx, accountID, txType, amount, description, ref)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		res = &CreditResult{NewBalance: newBalance, TransactionID: txID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ConsumeCredits списывает кредиты со счёта. При недостатке средств возвращает
// ErrInsufficientBalance, не изменяя никакого состояния.
func (r *PostgresRepository) ConsumeCredits(ctx context.Context, accountID int64, amount int64, description string, ref *model.TxReference) (*CreditResult, error) {
	var res *CreditResult
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		newBalance, txID, err := r.applyCredit(ctx, tx, accountID, model.TransactionConsume, -amount, description, ref)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		res = &CreditResult{NewBalance: newBalance, TransactionID: txID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetTransactionsByAccount возвращает историю транзакций счёта, новые первыми.
func (r *PostgresRepository) GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, type, amount, balance_before, balance_after, reference_id, reference_type, description, created_at
		 FROM transactions
		 WHERE account_id = $1
		 ORDER BY id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t       model.Transaction
			txType  string
			refID   *string
			refType *string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &txType, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &refID, &refType, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(txType)
		if refID != nil && refType != nil {
			t.Reference = &model.TxReference{ID: *refID, Type: *refType}
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordAudit добавляет запись в журнал аудита. Чистая вставка без блокировок.
func (r *PostgresRepository) RecordAudit(ctx context.Context, e *model.AuditEntry) error {
	details := e.Details
	if details == nil {
		details = json.RawMessage(`{}`)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_log (account_id, transaction_id, subscription_change_id, amount, balance_before, balance_after, operation_type, source, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.AccountID, e.TransactionID, e.SubscriptionChangeID, e.Amount, e.BalanceBefore, e.BalanceAfter, e.OperationType, e.Source, details,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrAccountNotFound
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CreateJob создаёт задачу рендеринга: списывает стоимость, присваивает позицию
// в очереди и вставляет задачу в статусе pending — всё в одной транзакции.
// Счётчик позиций хранится в единственной строке queue_sequence; UPDATE берёт
// блокировку этой строки, поэтому конкурентные постановки не выдают дубликатов.
func (r *PostgresRepository) CreateJob(ctx context.Context, accountID int64, params json.RawMessage, cost int64, priority int) (*model.Job, error) {
	var job *model.Job
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		jobID := uuid.New()

		if cost > 0 {
			ref := &model.TxReference{ID: jobID.String(), Type: "job"}
			if _, _, err := r.applyCredit(ctx, tx, accountID, model.TransactionConsume, -cost, "video job", ref); err != nil {
				return err
			}
		} else {
			// Без списания всё равно убеждаемся, что счёт существует.
			var dummy int
			if err := tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE id = $1`, accountID).Scan(&dummy); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrAccountNotFound
				}
				return fmt.Errorf("check account: %w", err)
			}
		}

		var position int64
		err = tx.QueryRow(ctx,
			`UPDATE queue_sequence SET last_position = last_position + 1 WHERE id = 1 RETURNING last_position`,
		).Scan(&position)
		if err != nil {
			return fmt.Errorf("advance queue sequence: %w", err)
		}

		enteredAt := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`INSERT INTO jobs (id, account_id, status, queue_position, queue_entered_at, queue_priority, credits_used, params)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			jobID, accountID, string(model.JobStatusPending), position, enteredAt, priority, cost, params,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		job = &model.Job{
			ID:             jobID,
			AccountID:      accountID,
			Status:         model.JobStatusPending,
			QueuePosition:  &position,
			QueueEnteredAt: enteredAt,
			QueuePriority:  priority,
			CreditsUsed:    cost,
			Params:         params,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob возвращает задачу по идентификатору.
func (r *PostgresRepository) GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, account_id, status, queue_position, queue_entered_at, queue_started_at, queue_priority, credits_used, params, is_deleted, created_at
		 FROM jobs WHERE id = $1 AND NOT is_deleted`,
		jobID,
	)

	var j model.Job
	var status string
	err := row.Scan(&j.ID, &j.AccountID, &status, &j.QueuePosition, &j.QueueEnteredAt, &j.QueueStartedAt, &j.QueuePriority, &j.CreditsUsed, &j.Params, &j.IsDeleted, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Status = model.JobStatus(status)

	return &j, nil
}

// GetPendingJobs возвращает ожидающие задачи в порядке очереди (приоритет, затем позиция).
func (r *PostgresRepository) GetPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, status, queue_position, queue_entered_at, queue_priority, credits_used, params
		 FROM jobs
		 WHERE status = $1 AND NOT is_deleted
		 ORDER BY queue_priority DESC, queue_position
		 LIMIT $2`,
		string(model.JobStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	defer rows.Close()

	var res []model.Job
	for rows.Next() {
		var j model.Job
		var status string
		if err := rows.Scan(&j.ID, &j.AccountID, &status, &j.QueuePosition, &j.QueueEnteredAt, &j.QueuePriority, &j.CreditsUsed, &j.Params); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = model.JobStatus(status)
		res = append(res, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TransitionJob переводит задачу в новый статус. Переход pending → processing
// допускается, только если у счёта обрабатывается меньше maxProcessing задач;
// проверка и сам переход выполняются в одной транзакции под блокировкой строки
// счёта, поэтому два конкурентных перехода не могут вместе превысить лимит.
// processing → completed|failed — терминальные переходы; pending → failed
// моделирует отмену задачи до допуска. Остальные переходы отклоняются.
func (r *PostgresRepository) TransitionJob(ctx context.Context, jobID uuid.UUID, newStatus model.JobStatus, maxProcessing int) error {
	switch newStatus {
	case model.JobStatusProcessing:
		return r.admitJob(ctx, jobID, maxProcessing)
	case model.JobStatusCompleted, model.JobStatusFailed:
		return r.finishJob(ctx, jobID, newStatus)
	default:
		return ErrInvalidTransition
	}
}

func (r *PostgresRepository) admitJob(ctx context.Context, jobID uuid.UUID, maxProcessing int) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var accountID int64
		var status string
		err = tx.QueryRow(ctx,
			`SELECT account_id, status FROM jobs WHERE id = $1 AND NOT is_deleted FOR UPDATE`,
			jobID,
		).Scan(&accountID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("lock job for update: %w", err)
		}

		if model.JobStatus(status) != model.JobStatusPending {
			return ErrInvalidTransition
		}

		// Строка счёта — единица блокировки для проверки лимита допуска.
		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&dummy)
		if err != nil {
			return fmt.Errorf("lock account for update: %w", err)
		}

		var processing int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE account_id = $1 AND status = $2 AND NOT is_deleted`,
			accountID, string(model.JobStatusProcessing),
		).Scan(&processing)
		if err != nil {
			return fmt.Errorf("count processing jobs: %w", err)
		}

		if processing >= maxProcessing {
			return ErrAdmissionLimit
		}

		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $2, queue_started_at = now() WHERE id = $1`,
			jobID, string(model.JobStatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// finishJob переводит задачу в терминальный статус. Переход в failed возвращает
// списанные кредиты в той же транзакции.
func (r *PostgresRepository) finishJob(ctx context.Context, jobID uuid.UUID, newStatus model.JobStatus) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			accountID   int64
			status      string
			creditsUsed int64
		)
		err = tx.QueryRow(ctx,
			`SELECT account_id, status, credits_used FROM jobs WHERE id = $1 AND NOT is_deleted FOR UPDATE`,
			jobID,
		).Scan(&accountID, &status, &creditsUsed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("lock job for update: %w", err)
		}

		current := model.JobStatus(status)
		switch {
		case current == model.JobStatusProcessing:
		case current == model.JobStatusPending && newStatus == model.JobStatusFailed:
			// Отмена до допуска моделируется переходом pending → failed.
		default:
			return ErrInvalidTransition
		}

		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $2 WHERE id = $1`,
			jobID, string(newStatus),
		)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}

		if newStatus == model.JobStatusFailed && creditsUsed > 0 {
			ref := &model.TxReference{ID: jobID.String(), Type: "job"}
			if _, _, err := r.applyCredit(ctx, tx, accountID, model.TransactionRefund, creditsUsed, "failed job refund", ref); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateInvitation создаёт приглашение с указанным кодом и вознаграждением.
func (r *PostgresRepository) CreateInvitation(ctx context.Context, inviterID int64, code string, rewardCredits int64, expiresAt time.Time) (*model.Invitation, error) {
	var inv model.Invitation
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invitations (inviter_id, code, reward_credits, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		inviterID, code, rewardCredits, expiresAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return nil, ErrCodeCollision
			case pgerrcode.ForeignKeyViolation:
				return nil, ErrAccountNotFound
			}
		}
		return nil, fmt.Errorf("insert invitation: %w", err)
	}

	inv.InviterID = inviterID
	inv.Code = code
	inv.Status = model.InvitationPending
	inv.RewardCredits = rewardCredits
	inv.ExpiresAt = expiresAt
	return &inv, nil
}

// AcceptInvitation принимает приглашение: помечает его принятым, фиксирует
// пригласившего у счёта приглашённого и начисляет вознаграждение пригласившему.
// Три подшага выполняются в одной транзакции — частичное применение невозможно.
// Строка приглашения блокируется по коду, поэтому повторное принятие того же
// кода отклоняется как ErrInvitationNotFound.
func (r *PostgresRepository) AcceptInvitation(ctx context.Context, code string, inviteeID int64) (*model.Invitation, error) {
	var inv *model.Invitation
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			invID     int64
			inviterID int64
			status    string
			reward    int64
			expiresAt time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT id, inviter_id, status, reward_credits, expires_at
			 FROM invitations WHERE code = $1 FOR UPDATE`,
			code,
		).Scan(&invID, &inviterID, &status, &reward, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvitationNotFound
			}
			return fmt.Errorf("lock invitation for update: %w", err)
		}

		now := time.Now().UTC()
		if model.InvitationStatus(status) != model.InvitationPending || !now.Before(expiresAt) {
			return ErrInvitationNotFound
		}

		if inviterID == inviteeID {
			return ErrSelfReferral
		}

		var referrerID *int64
		err = tx.QueryRow(ctx,
			`SELECT referrer_id FROM accounts WHERE id = $1 FOR UPDATE`,
			inviteeID,
		).Scan(&referrerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("lock invitee for update: %w", err)
		}

		if referrerID != nil {
			return ErrAlreadyReferred
		}

		_, err = tx.Exec(ctx,
			`UPDATE invitations SET status = $2, invitee_id = $3, accepted_at = $4 WHERE id = $1`,
			invID, string(model.InvitationAccepted), inviteeID, now,
		)
		if err != nil {
			return fmt.Errorf("update invitation: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE accounts SET referrer_id = $2 WHERE id = $1`,
			inviteeID, inviterID,
		)
		if err != nil {
			return fmt.Errorf("update invitee referrer: %w", err)
		}

		ref := &model.TxReference{ID: fmt.Sprintf("%d", invID), Type: "invitation"}
		if _, _, err := r.applyCredit(ctx, tx, inviterID, model.TransactionReward, reward, "referral reward", ref); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		inv = &model.Invitation{
			ID:            invID,
			InviterID:     inviterID,
			InviteeID:     &inviteeID,
			Code:          code,
			Status:        model.InvitationAccepted,
			RewardCredits: reward,
			ExpiresAt:     expiresAt,
			AcceptedAt:    &now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ExpireInvitations помечает просроченные ожидающие приглашения. Идемпотентна.
func (r *PostgresRepository) ExpireInvitations(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE invitations SET status = $1 WHERE status = $2 AND expires_at <= now()`,
		string(model.InvitationExpired), string(model.InvitationPending),
	)
	if err != nil {
		return 0, fmt.Errorf("expire invitations: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// CreateSubscription создаёт активную подписку для счёта.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, accountID int64, tier string, periodStart, periodEnd time.Time) (*model.Subscription, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (account_id, tier, status, period_start, period_end)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		accountID, tier, string(model.SubscriptionActive), periodStart, periodEnd,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("insert subscription: %w", err)
	}

	return &model.Subscription{
		ID:          id,
		AccountID:   accountID,
		Tier:        tier,
		Status:      model.SubscriptionActive,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}, nil
}

// GetSubscriptionByAccount возвращает подписку счёта.
func (r *PostgresRepository) GetSubscriptionByAccount(ctx context.Context, accountID int64) (*model.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, account_id, tier, status, period_start, period_end, cancel_at_period_end
		 FROM subscriptions WHERE account_id = $1
		 ORDER BY id DESC LIMIT 1`,
		accountID,
	)

	var s model.Subscription
	var status string
	err := row.Scan(&s.ID, &s.AccountID, &s.Tier, &status, &s.PeriodStart, &s.PeriodEnd, &s.CancelAtPeriodEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	s.Status = model.SubscriptionStatus(status)

	return &s, nil
}

// RecordSubscriptionChange добавляет запись истории изменений подписки, применяет
// кредитную часть (creditsDelta) и обновляет саму подписку — в одной транзакции.
// Если списание при даунгрейде превышает баланс, откатываются все три подшага.
func (r *PostgresRepository) RecordSubscriptionChange(ctx context.Context, c *model.SubscriptionChange) (int64, error) {
	var changeID int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var accountID int64
		err = tx.QueryRow(ctx,
			`SELECT account_id FROM subscriptions WHERE id = $1 FOR UPDATE`,
			c.SubscriptionID,
		).Scan(&accountID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrSubscriptionNotFound
			}
			return fmt.Errorf("lock subscription for update: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO subscription_changes (subscription_id, account_id, action, from_tier, to_tier, credits_delta, days_remaining, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			c.SubscriptionID, accountID, c.Action, c.FromTier, c.ToTier, c.CreditsDelta, c.DaysRemaining, c.Reason,
		).Scan(&changeID)
		if err != nil {
			return fmt.Errorf("insert subscription change: %w", err)
		}

		if c.CreditsDelta != 0 {
			ref := &model.TxReference{ID: fmt.Sprintf("%d", changeID), Type: "subscription_change"}
			txType := model.TransactionPurchase
			if c.CreditsDelta < 0 {
				txType = model.TransactionConsume
			}
			if _, _, err := r.applyCredit(ctx, tx, accountID, txType, c.CreditsDelta, "subscription "+c.Action, ref); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE subscriptions
			 SET tier = $2, cancel_at_period_end = ($3 = 'cancel')
			 WHERE id = $1`,
			c.SubscriptionID, c.ToTier, c.Action,
		)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changeID, nil
}

// ExpireSubscriptions переводит активные подписки с истёкшим периодом в статус
// expired. Идемпотентна: повторный вызов не меняет состояние. Кредитных побочных
// эффектов не имеет.
func (r *PostgresRepository) ExpireSubscriptions(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $1 WHERE status = $2 AND period_end <= now()`,
		string(model.SubscriptionExpired), string(model.SubscriptionActive),
	)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
