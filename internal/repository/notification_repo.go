package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventnotify/contracts/mq"
	"eventnotify/internal/model"
	"eventnotify/pkg/db"
	"eventnotify/pkg/metrics"
	"eventnotify/pkg/otel"
	"eventnotify/pkg/outbox"
	"eventnotify/pkg/trace"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `id, recipient_id, notification_type, title, message, status, is_read, related_object_type, related_object_id, claimed_until, created_at, sent_at`

type NotificationRepository struct {
	db     db.Querier
	outbox *outbox.Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewNotificationRepository(q db.Querier, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     q,
		outbox: outbox.NewRepository(q),
		logger: logger,
		now:    time.Now,
	}
}

func (r *NotificationRepository) observe(ctx context.Context, op, query string, fn func(context.Context) error) error {
	start := time.Now()
	err := otel.WithDBSpan(ctx, op, query, fn)
	metrics.RecordDBQueryDuration(op, "notifications", time.Since(start))
	return err
}

// inTx 出错时回滚，否则提交
func (r *NotificationRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const insertNotification = `
	INSERT INTO notifications (recipient_id, notification_type, title, message, status, related_object_type, related_object_id, created_at)
	VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
	RETURNING id`

func relatedArgs(ref *model.RelatedRef) (*string, *int64) {
	if ref == nil {
		return nil, nil
	}
	kind, id := ref.EntityKind, ref.EntityID
	return &kind, &id
}

func newPending(id int64, n model.NewNotification, createdAt time.Time) *model.Notification {
	return &model.Notification{
		ID:          id,
		RecipientID: n.RecipientID,
		Kind:        n.Kind,
		Title:       n.Title,
		Message:     n.Message,
		Status:      model.StatusPending,
		Related:     n.Related,
		CreatedAt:   createdAt,
	}
}

func insertOne(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, n model.NewNotification, createdAt time.Time) (*model.Notification, error) {
	relType, relID := relatedArgs(n.Related)
	var id int64
	err := q.QueryRow(ctx, insertNotification,
		n.RecipientID, string(n.Kind), n.Title, n.Message, relType, relID, createdAt,
	).Scan(&id)
	if err != nil {
		return nil, err
	}
	return newPending(id, n, createdAt), nil
}

// Create 创建 pending 状态的通知
func (r *NotificationRepository) Create(ctx context.Context, n model.NewNotification) (*model.Notification, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	var created *model.Notification
	err := r.observe(ctx, "insert", insertNotification, func(ctx context.Context) error {
		var err error
		created, err = insertOne(ctx, r.db, n, r.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return created, nil
}

// CreateBatch 在一个事务中批量创建，全部成功或全部失败
func (r *NotificationRepository) CreateBatch(ctx context.Context, ns []model.NewNotification) ([]*model.Notification, error) {
	for i, n := range ns {
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("notification %d: %w", i, err)
		}
	}
	if len(ns) == 0 {
		return nil, nil
	}

	createdAt := r.now()
	created := make([]*model.Notification, 0, len(ns))
	err := r.observe(ctx, "insert_batch", insertNotification, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			for _, n := range ns {
				c, err := insertOne(ctx, tx, n, createdAt)
				if err != nil {
					return err
				}
				created = append(created, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications: %w", err)
	}
	return created, nil
}

func scanNotification(row pgx.Row) (*model.Notification, error) {
	var (
		n            model.Notification
		kind, status string
		relType      *string
		relID        *int64
	)
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&kind,
		&n.Title,
		&n.Message,
		&status,
		&n.IsRead,
		&relType,
		&relID,
		&n.ClaimedUntil,
		&n.CreatedAt,
		&n.SentAt,
	)
	if err != nil {
		return nil, err
	}
	n.Kind = model.Kind(kind)
	n.Status = model.Status(status)
	if relType != nil && relID != nil {
		n.Related = &model.RelatedRef{EntityKind: *relType, EntityID: *relID}
	}
	return &n, nil
}

func (r *NotificationRepository) Get(ctx context.Context, id int64) (*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	var n *model.Notification
	err := r.observe(ctx, "select", query, func(ctx context.Context) error {
		var err error
		n, err = scanNotification(r.db.QueryRow(ctx, query, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification %d: %w", id, err)
	}
	return n, nil
}

// ListByRecipient 按创建时间倒序
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID int64, limit int) ([]*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	// limit<=0 表示不限制（LIMIT NULL），与内存实现一致
	var lim any
	if limit > 0 {
		lim = limit
	}

	var out []*model.Notification
	err := r.observe(ctx, "select", query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, recipientID, lim)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNotification(rows)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// Claim 原子地设置投递租约，只有 pending 且租约过期（或无租约）时成功
func (r *NotificationRepository) Claim(ctx context.Context, id int64, lease time.Duration) error {
	query := `
		UPDATE notifications SET claimed_until = $2
		WHERE id = $1 AND status = 'pending' AND (claimed_until IS NULL OR claimed_until < $3)`

	now := r.now()
	var affected int64
	err := r.observe(ctx, "claim", query, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, id, now.Add(lease), now)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to claim notification %d: %w", id, err)
	}
	if affected == 1 {
		return nil
	}
	return r.explainMiss(ctx, id, now)
}

// Release 清除租约，只作用于 pending 记录；记录不存在或已终态时静默忽略
func (r *NotificationRepository) Release(ctx context.Context, id int64) error {
	query := `UPDATE notifications SET claimed_until = NULL WHERE id = $1 AND status = 'pending'`

	err := r.observe(ctx, "release", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release notification %d: %w", id, err)
	}
	return nil
}

// explainMiss 区分 CAS 未命中的原因
func (r *NotificationRepository) explainMiss(ctx context.Context, id int64, now time.Time) error {
	n, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != model.StatusPending {
		return model.ErrAlreadyProcessed
	}
	if !n.Claimable(now) {
		return model.ErrInFlight
	}
	// 租约在两次查询之间过期，交给调用方重试
	return fmt.Errorf("claim notification %d: lease changed concurrently: %w", id, model.ErrInFlight)
}

// Transition 单条 compare-and-set 语句完成状态迁移，并在同一事务中写入 outbox 事件
func (r *NotificationRepository) Transition(ctx context.Context, id int64, outcome model.Outcome, detail string) (model.Applied, error) {
	query := `
		UPDATE notifications SET status = $2, sent_at = $3, claimed_until = NULL
		WHERE id = $1 AND status = 'pending'
		RETURNING recipient_id, notification_type`

	now := r.now()
	var sentAt *time.Time
	if outcome == model.OutcomeSent {
		sentAt = &now
	}

	applied := model.AppliedAlreadyProcessed
	err := r.observe(ctx, "transition", query, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var (
				recipientID int64
				kind        string
			)
			err := tx.QueryRow(ctx, query, id, string(outcome.Status()), sentAt).Scan(&recipientID, &kind)
			if errors.Is(err, pgx.ErrNoRows) {
				var exists bool
				if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
					return err
				}
				if !exists {
					return model.ErrNotFound
				}
				return nil
			}
			if err != nil {
				return err
			}

			if err := r.writeOutcomeEvent(ctx, tx, id, recipientID, kind, outcome, detail, now); err != nil {
				return err
			}
			if outcome == model.OutcomeSent {
				applied = model.AppliedSent
			} else {
				applied = model.AppliedFailed
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", model.ErrNotFound
		}
		return "", fmt.Errorf("failed to transition notification %d: %w", id, err)
	}
	return applied, nil
}

func (r *NotificationRepository) writeOutcomeEvent(ctx context.Context, tx pgx.Tx, id, recipientID int64, kind string, outcome model.Outcome, detail string, at time.Time) error {
	traceID := trace.FromContext(ctx)
	if outcome == model.OutcomeSent {
		return outbox.InsertEventInTx(ctx, tx, r.outbox, "notification", &id, mq.RoutingKeyNotificationSent, mq.NotificationSentPayload{
			NotificationID:   id,
			RecipientID:      recipientID,
			NotificationType: kind,
			SentAt:           at,
			TraceID:          traceID,
		})
	}
	return outbox.InsertEventInTx(ctx, tx, r.outbox, "notification", &id, mq.RoutingKeyNotificationFailed, mq.NotificationFailedPayload{
		NotificationID:   id,
		RecipientID:      recipientID,
		NotificationType: kind,
		Error:            detail,
		FailedAt:         at,
		TraceID:          traceID,
	})
}

// MarkAsRead 仅供外部已读回执流程使用
func (r *NotificationRepository) MarkAsRead(ctx context.Context, id int64) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE id = $1`

	var affected int64
	err := r.observe(ctx, "mark_read", query, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, id)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark notification %d as read: %w", id, err)
	}
	if affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM notifications
		WHERE status = 'pending' AND created_at < $1 AND (claimed_until IS NULL OR claimed_until < $2)
		ORDER BY created_at ASC
		LIMIT $3`

	var ids []int64
	err := r.observe(ctx, "select_stale", query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, olderThan, r.now(), limit)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale notifications: %w", err)
	}
	return ids, nil
}
