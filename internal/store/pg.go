package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/dispatch/internal/domain"
)

const notificationCols = `id, user_id, subscription_id, type, status, priority,
	recipient, subject, body, metadata, correlation_id, idempotency_key,
	retry_count, max_retries, next_retry_at, scheduled_at, queued_at,
	sent_at, delivered_at, external_id, last_error, created_at, updated_at`

// Transient conflicts (serialization failures, deadlocks) are retried this
// many times with exponential backoff before the error is surfaced.
const (
	txAttempts = 3
	txBackoff  = 50 * time.Millisecond
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by PostgreSQL.
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// transact runs fn inside a transaction, retrying transient conflicts.
func (s *pgStore) transact(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(txBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = s.runTx(ctx, fn)
		if err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}

func (s *pgStore) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgerrcode.IsTransactionRollback(pgErr.Code)
}

// ---- subscriptions ----

func (s *pgStore) GetSubscriptionByKey(ctx context.Context, key string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, key, status, expires_at, daily_limit, monthly_limit,
		       daily_used, monthly_used, last_reset_daily, last_reset_monthly,
		       allow_sms, allow_email, created_at, updated_at
		FROM subscriptions WHERE key = $1`, key)
	return scanSubscription(row)
}

// ---- intake ----

func (s *pgStore) Accept(ctx context.Context, n *domain.Notification) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		// Concurrent intakes for the same subscription serialize here.
		row := tx.QueryRow(ctx, `
			SELECT id, user_id, key, status, expires_at, daily_limit, monthly_limit,
			       daily_used, monthly_used, last_reset_daily, last_reset_monthly,
			       allow_sms, allow_email, created_at, updated_at
			FROM subscriptions WHERE id = $1 FOR UPDATE`, n.SubscriptionID)
		sub, err := scanSubscription(row)
		if err != nil {
			return err
		}

		sub.RollWindows(n.CreatedAt)
		if !sub.HasQuota() {
			return domain.ErrQuotaExceeded
		}

		_, err = tx.Exec(ctx, `
			UPDATE subscriptions
			SET daily_used = $1, monthly_used = $2,
			    last_reset_daily = $3, last_reset_monthly = $4,
			    updated_at = $5
			WHERE id = $6`,
			sub.DailyUsed+1, sub.MonthlyUsed+1,
			sub.LastResetDaily, sub.LastResetMonthly,
			n.CreatedAt, sub.ID,
		)
		if err != nil {
			return fmt.Errorf("charge quota: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO notifications
				(id, user_id, subscription_id, type, status, priority, recipient,
				 subject, body, metadata, correlation_id, idempotency_key,
				 retry_count, max_retries, scheduled_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			n.ID, n.UserID, n.SubscriptionID, n.Type, n.Status, n.Priority,
			n.Recipient, n.Subject, n.Body, n.Metadata, n.CorrelationID,
			n.IdempotencyKey, n.RetryCount, n.MaxRetries, n.ScheduledAt,
			n.CreatedAt, n.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		if err := insertLog(ctx, tx, n.ID, domain.StatusPending, "accepted", nil); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, domain.EventAccepted, n, n.CreatedAt)
	})
}

func (s *pgStore) FindByIdempotencyKey(ctx context.Context, subscriptionID, key string, since time.Time) (*domain.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+notificationCols+`
		FROM notifications
		WHERE subscription_id = $1 AND idempotency_key = $2
		  AND created_at >= $3 AND NOT is_deleted`,
		subscriptionID, key, since)
	return scanNotification(row)
}

// ---- reads ----

func (s *pgStore) GetNotification(ctx context.Context, id string) (*domain.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+notificationCols+`
		FROM notifications WHERE id = $1 AND NOT is_deleted`, id)
	return scanNotification(row)
}

func (s *pgStore) ListNotifications(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(f)
	offset := (f.Page - 1) * f.Limit

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	args = append(args, f.Limit, offset)
	query := fmt.Sprintf(`
		SELECT `+notificationCols+`
		FROM notifications%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	return notifications, total, err
}

func (s *pgStore) ListLogs(ctx context.Context, notificationID string) ([]*domain.NotificationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, notification_id, status, message, details, provider_response, created_at
		FROM notification_logs
		WHERE notification_id = $1
		ORDER BY created_at ASC`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.NotificationLog
	for rows.Next() {
		var l domain.NotificationLog
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.Status, &l.Message,
			&l.Details, &l.ProviderResponse, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// ---- lifecycle transitions ----

func (s *pgStore) MarkProcessing(ctx context.Context, id string) (*domain.Notification, error) {
	var n *domain.Notification
	err := s.transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE notifications
			SET status = 'processing', updated_at = NOW()
			WHERE id = $1 AND status = 'pending' AND NOT is_deleted
			RETURNING `+notificationCols, id)
		var err error
		n, err = scanNotification(row)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotSendable
		}
		if err != nil {
			return err
		}
		return insertLog(ctx, tx, id, domain.StatusProcessing, "picked up by worker", nil)
	})
	return n, err
}

func (s *pgStore) MarkSent(ctx context.Context, id, externalID, providerResponse string, at time.Time) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE notifications
			SET status = 'sent', sent_at = $2, external_id = $3,
			    last_error = NULL, next_retry_at = NULL, updated_at = $2
			WHERE id = $1 AND status = 'processing' AND NOT is_deleted
			RETURNING `+notificationCols, id, at, externalID)
		n, err := scanNotification(row)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotSendable
		}
		if err != nil {
			return err
		}
		if err := insertLog(ctx, tx, id, domain.StatusSent, "provider accepted", &providerResponse); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, domain.EventSent, n, at)
	})
}

func (s *pgStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE notifications
			SET status = 'delivered', delivered_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'sent' AND NOT is_deleted
			RETURNING `+notificationCols, id, at)
		n, err := scanNotification(row)
		if errors.Is(err, domain.ErrNotFound) {
			// Late or duplicate confirmation: nothing to do.
			return nil
		}
		if err != nil {
			return err
		}
		if err := insertLog(ctx, tx, id, domain.StatusDelivered, "delivery confirmed", nil); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, domain.EventDelivered, n, at)
	})
}

func (s *pgStore) MarkRetrying(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'retrying', retry_count = $2, next_retry_at = $3,
			    last_error = $4, queued_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'processing' AND NOT is_deleted`,
			id, retryCount, nextRetryAt, errMsg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotSendable
		}
		msg := fmt.Sprintf("send failed, retry %d scheduled for %s", retryCount, nextRetryAt.UTC().Format(time.RFC3339))
		return insertLog(ctx, tx, id, domain.StatusRetrying, msg, &errMsg)
	})
}

func (s *pgStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE notifications
			SET status = 'failed', last_error = $2, next_retry_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('processing', 'sent') AND NOT is_deleted
			RETURNING `+notificationCols, id, errMsg)
		n, err := scanNotification(row)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotSendable
		}
		if err != nil {
			return err
		}
		if err := insertLog(ctx, tx, id, domain.StatusFailed, "permanently failed", &errMsg); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, domain.EventFailed, n, time.Now().UTC())
	})
}

func (s *pgStore) MarkQueued(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET queued_at = $2, updated_at = $2
		WHERE id = $1 AND queued_at IS NULL AND NOT is_deleted`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotSendable
	}
	return nil
}

func (s *pgStore) RequeueRetry(ctx context.Context, id string) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'pending', queued_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'retrying' AND NOT is_deleted`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotSendable
		}
		return insertLog(ctx, tx, id, domain.StatusPending, "retry due, requeued", nil)
	})
}

func (s *pgStore) Cancel(ctx context.Context, id string) error {
	return s.transact(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT status FROM notifications
			WHERE id = $1 AND NOT is_deleted FOR UPDATE`, id)
		var status domain.Status
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}

		switch status {
		case domain.StatusCancelled:
			return domain.ErrAlreadyCancelled
		case domain.StatusPending, domain.StatusRetrying:
		default:
			return domain.ErrNotCancellable
		}

		if _, err := tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'cancelled', next_retry_at = NULL, updated_at = NOW()
			WHERE id = $1`, id); err != nil {
			return err
		}
		return insertLog(ctx, tx, id, domain.StatusCancelled, "cancelled by user", nil)
	})
}

// ---- background scans ----

func (s *pgStore) FindDueForQueue(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationCols+`
		FROM notifications
		WHERE status = 'pending' AND queued_at IS NULL
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		  AND NOT is_deleted
		ORDER BY created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due for queue: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *pgStore) FindStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationCols+`
		FROM notifications
		WHERE status = 'pending' AND queued_at IS NOT NULL
		  AND queued_at < $1 AND NOT is_deleted
		ORDER BY queued_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale queued: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *pgStore) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationCols+`
		FROM notifications
		WHERE status = 'retrying' AND next_retry_at <= $1 AND NOT is_deleted
		ORDER BY next_retry_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due retries: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *pgStore) ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error) {
	var released int
	err := s.transact(ctx, func(tx pgx.Tx) error {
		released = 0
		rows, err := tx.Query(ctx, `
			UPDATE notifications
			SET status = 'pending', retry_count = retry_count + 1,
			    queued_at = NULL, updated_at = NOW()
			WHERE status = 'processing' AND updated_at < $1
			  AND retry_count < max_retries AND NOT is_deleted
			RETURNING `+notificationCols, olderThan)
		if err != nil {
			return err
		}
		promoted, err := scanNotifications(rows)
		if err != nil {
			return err
		}
		for _, n := range promoted {
			if err := insertLog(ctx, tx, n.ID, domain.StatusPending, "released after stuck processing", nil); err != nil {
				return err
			}
		}
		released = len(promoted)

		// Rows already at the retry ceiling cannot be promoted again; they
		// fail terminally through the same log + outbox pair as MarkFailed.
		rows, err = tx.Query(ctx, `
			UPDATE notifications
			SET status = 'failed', last_error = 'stuck in processing',
			    next_retry_at = NULL, updated_at = NOW()
			WHERE status = 'processing' AND updated_at < $1
			  AND retry_count >= max_retries AND NOT is_deleted
			RETURNING `+notificationCols, olderThan)
		if err != nil {
			return err
		}
		failed, err := scanNotifications(rows)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, n := range failed {
			errMsg := "stuck in processing"
			if err := insertLog(ctx, tx, n.ID, domain.StatusFailed, "permanently failed", &errMsg); err != nil {
				return err
			}
			if err := insertOutbox(ctx, tx, domain.EventFailed, n, now); err != nil {
				return err
			}
		}
		return nil
	})
	return released, err
}

// ---- outbox ----

func (s *pgStore) FetchOutbox(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_type, aggregate_id, payload, attempts, last_error, processed_at, created_at
		FROM outbox_messages
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.MessageType, &m.AggregateID, &m.Payload,
			&m.Attempts, &m.LastError, &m.ProcessedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *pgStore) MarkOutboxProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET processed_at = NOW()
		WHERE id = $1 AND processed_at IS NULL`, id)
	return err
}

func (s *pgStore) RecordOutboxFailure(ctx context.Context, id, errMsg string, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1, last_error = $2,
		    processed_at = CASE WHEN attempts + 1 >= $3 THEN NOW() ELSE NULL END
		WHERE id = $1 AND processed_at IS NULL`, id, errMsg, maxAttempts)
	return err
}

// ---- webhooks ----

func (s *pgStore) WebhooksFor(ctx context.Context, subscriptionID string) ([]*domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, url, secret, events, active,
		       consecutive_failures, last_success_at, last_failure_at, created_at
		FROM webhook_subscriptions
		WHERE subscription_id = $1 AND active`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*domain.WebhookSubscription
	for rows.Next() {
		var w domain.WebhookSubscription
		var events []string
		if err := rows.Scan(&w.ID, &w.SubscriptionID, &w.URL, &w.Secret, &events,
			&w.Active, &w.ConsecutiveFailures, &w.LastSuccessAt, &w.LastFailureAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		for _, e := range events {
			w.Events = append(w.Events, domain.Status(e))
		}
		hooks = append(hooks, &w)
	}
	return hooks, rows.Err()
}

func (s *pgStore) RecordWebhookSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = 0, last_success_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (s *pgStore) RecordWebhookFailure(ctx context.Context, id string, maxFailures int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    last_failure_at = NOW(),
		    active = consecutive_failures + 1 < $2
		WHERE id = $1`, id, maxFailures)
	return err
}

// ---- helpers ----

func insertLog(ctx context.Context, tx pgx.Tx, notificationID string, status domain.Status, message string, providerResponse *string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notification_logs
			(id, notification_id, status, message, provider_response, created_at)
		VALUES ($1,$2,$3,$4,$5,NOW())`,
		uuid.New().String(), notificationID, status, message, providerResponse)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, et domain.EventType, n *domain.Notification, at time.Time) error {
	payload := domain.NewWebhookEvent(n, at).Marshal()
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_messages
			(id, message_type, aggregate_id, payload, attempts, created_at)
		VALUES ($1,$2,$3,$4,0,$5)`,
		uuid.New().String(), et, n.ID, payload, at)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.SubscriptionID, &n.Type, &n.Status, &n.Priority,
		&n.Recipient, &n.Subject, &n.Body, &n.Metadata, &n.CorrelationID,
		&n.IdempotencyKey, &n.RetryCount, &n.MaxRetries, &n.NextRetryAt,
		&n.ScheduledAt, &n.QueuedAt, &n.SentAt, &n.DeliveredAt,
		&n.ExternalID, &n.LastError, &n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Key, &sub.Status, &sub.ExpiresAt,
		&sub.DailyLimit, &sub.MonthlyLimit, &sub.DailyUsed, &sub.MonthlyUsed,
		&sub.LastResetDaily, &sub.LastResetMonthly,
		&sub.AllowSMS, &sub.AllowEmail, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
// The subscription scope and the soft-delete predicate are always applied.
func buildListWhere(f domain.ListFilter) (string, []any) {
	conditions := []string{"NOT is_deleted"}
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	add("subscription_id = $%d", f.SubscriptionID)
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Type != nil {
		add("type = $%d", *f.Type)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}
