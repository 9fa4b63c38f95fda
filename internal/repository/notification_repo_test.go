package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"eventnotify/internal/model"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rowColumns = []string{
		"id", "recipient_id", "notification_type", "title", "message", "status", "is_read",
		"related_object_type", "related_object_id", "claimed_until", "created_at", "sent_at",
	}
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *NotificationRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo := NewNotificationRepository(mock, zap.NewNop())
	repo.now = func() time.Time { return fixedNow }
	return mock, repo
}

func pendingRow(id int64, claimedUntil *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(rowColumns).AddRow(
		id, int64(42), "booking", "Booking: X", "Booked for later", "pending", false,
		(*string)(nil), (*int64)(nil), claimedUntil, fixedNow.Add(-time.Hour), (*time.Time)(nil),
	)
}

func TestNotificationRepository_Create(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(int64(42), "booking", "Booking: X", "Booked for later", (*string)(nil), (*int64)(nil), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))

	n, err := repo.Create(context.Background(), model.NewNotification{
		RecipientID: 42,
		Kind:        model.KindBooking,
		Title:       "Booking: X",
		Message:     "Booked for later",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.ID)
	assert.Equal(t, model.StatusPending, n.Status)
	assert.Equal(t, fixedNow, n.CreatedAt)
	assert.Nil(t, n.SentAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_CreateRejectsInvalid(t *testing.T) {
	mock, repo := newMockRepo(t)

	_, err := repo.Create(context.Background(), model.NewNotification{RecipientID: 42, Kind: "sms", Title: "x", Message: "y"})
	assert.ErrorIs(t, err, model.ErrInvalidNotification)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_CreateBatch(t *testing.T) {
	mock, repo := newMockRepo(t)
	kind, id := "event", int64(7)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(int64(1), "reminder", "Reminder: X", "soon", &kind, &id, fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(int64(2), "reminder", "Reminder: X", "soon", &kind, &id, fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	ref := &model.RelatedRef{EntityKind: "event", EntityID: 7}
	created, err := repo.CreateBatch(context.Background(), []model.NewNotification{
		{RecipientID: 1, Kind: model.KindReminder, Title: "Reminder: X", Message: "soon", Related: ref},
		{RecipientID: 2, Kind: model.KindReminder, Title: "Reminder: X", Message: "soon", Related: ref},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, int64(10), created[0].ID)
	assert.Equal(t, int64(11), created[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_CreateBatchRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.CreateBatch(context.Background(), []model.NewNotification{
		{RecipientID: 1, Kind: model.KindReminder, Title: "Reminder: X", Message: "soon"},
	})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_Get(t *testing.T) {
	mock, repo := newMockRepo(t)
	relType, relID := "event", int64(3)
	sentAt := fixedNow

	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(rowColumns).AddRow(
			int64(1), int64(42), "booking", "Booking: X", "Booked", "sent", true,
			&relType, &relID, (*time.Time)(nil), fixedNow.Add(-time.Hour), &sentAt,
		))
	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows(rowColumns))

	n, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.KindBooking, n.Kind)
	assert.Equal(t, model.StatusSent, n.Status)
	assert.True(t, n.IsRead)
	assert.Equal(t, &model.RelatedRef{EntityKind: "event", EntityID: 3}, n.Related)
	require.NotNil(t, n.SentAt)

	_, err = repo.Get(context.Background(), 2)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_Claim(t *testing.T) {
	lease := 30 * time.Second
	future := fixedNow.Add(10 * time.Second)

	t.Run("claimed", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = $2")).
			WithArgs(int64(1), fixedNow.Add(lease), fixedNow).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		assert.NoError(t, repo.Claim(context.Background(), 1, lease))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("in flight", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = $2")).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
			WithArgs(int64(1)).
			WillReturnRows(pendingRow(1, &future))

		assert.ErrorIs(t, repo.Claim(context.Background(), 1, lease), model.ErrInFlight)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already processed", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = $2")).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows(rowColumns).AddRow(
				int64(1), int64(42), "booking", "Booking: X", "Booked", "failed", false,
				(*string)(nil), (*int64)(nil), (*time.Time)(nil), fixedNow, (*time.Time)(nil),
			))

		assert.ErrorIs(t, repo.Claim(context.Background(), 1, lease), model.ErrAlreadyProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock, repo := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = $2")).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE id = $1")).
			WithArgs(int64(1)).
			WillReturnRows(pgxmock.NewRows(rowColumns))

		assert.ErrorIs(t, repo.Claim(context.Background(), 1, lease), model.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNotificationRepository_Release(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = NULL WHERE id = $1 AND status = 'pending'")).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	// 已终态的记录不受影响，也不报错
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = NULL")).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET claimed_until = NULL")).
		WithArgs(int64(3)).
		WillReturnError(errors.New("conn closed"))

	assert.NoError(t, repo.Release(context.Background(), 1))
	assert.NoError(t, repo.Release(context.Background(), 2))
	assert.ErrorContains(t, repo.Release(context.Background(), 3), "conn closed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_ListByRecipientLimit(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE recipient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2")).
		WithArgs(int64(42), 10).
		WillReturnRows(pendingRow(1, nil))
	// limit<=0 不限制条数
	mock.ExpectQuery(regexp.QuoteMeta("WHERE recipient_id = $1")).
		WithArgs(int64(42), nil).
		WillReturnRows(pendingRow(2, nil).AddRow(
			int64(1), int64(42), "booking", "Booking: X", "Booked for later", "pending", false,
			(*string)(nil), (*int64)(nil), (*time.Time)(nil), fixedNow.Add(-2*time.Hour), (*time.Time)(nil),
		))

	list, err := repo.ListByRecipient(context.Background(), 42, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = repo.ListByRecipient(context.Background(), 42, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_TransitionSent(t *testing.T) {
	mock, repo := newMockRepo(t)
	sentAt := fixedNow

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET status = $2, sent_at = $3")).
		WithArgs(int64(1), "sent", &sentAt).
		WillReturnRows(pgxmock.NewRows([]string{"recipient_id", "notification_type"}).AddRow(int64(42), "booking"))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs("notification", pgxmock.AnyArg(), "notification.sent", pgxmock.AnyArg(), "pending").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(100), fixedNow, fixedNow))
	mock.ExpectCommit()

	applied, err := repo.Transition(context.Background(), 1, model.OutcomeSent, "")
	require.NoError(t, err)
	assert.Equal(t, model.AppliedSent, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_TransitionFailedLeavesSentAtUnset(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET status = $2, sent_at = $3")).
		WithArgs(int64(1), "failed", (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"recipient_id", "notification_type"}).AddRow(int64(42), "booking"))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs("notification", pgxmock.AnyArg(), "notification.failed", pgxmock.AnyArg(), "pending").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(101), fixedNow, fixedNow))
	mock.ExpectCommit()

	applied, err := repo.Transition(context.Background(), 1, model.OutcomeFailed, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, model.AppliedFailed, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_TransitionAlreadyProcessed(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET status = $2, sent_at = $3")).
		WillReturnRows(pgxmock.NewRows([]string{"recipient_id", "notification_type"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	applied, err := repo.Transition(context.Background(), 1, model.OutcomeSent, "")
	require.NoError(t, err)
	assert.Equal(t, model.AppliedAlreadyProcessed, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_TransitionNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET status = $2, sent_at = $3")).
		WillReturnRows(pgxmock.NewRows([]string{"recipient_id", "notification_type"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), 9, model.OutcomeFailed, "boom")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_TransitionOutboxFailureRollsBack(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET status = $2, sent_at = $3")).
		WillReturnRows(pgxmock.NewRows([]string{"recipient_id", "notification_type"}).AddRow(int64(42), "booking"))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WillReturnError(errors.New("outbox table missing"))
	mock.ExpectRollback()

	_, err := repo.Transition(context.Background(), 1, model.OutcomeSent, "")
	assert.ErrorContains(t, err, "outbox table missing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_MarkAsRead(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("SET is_read = TRUE")).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET is_read = TRUE")).
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.NoError(t, repo.MarkAsRead(context.Background(), 1))
	assert.ErrorIs(t, repo.MarkAsRead(context.Background(), 2), model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRepository_ListStalePending(t *testing.T) {
	mock, repo := newMockRepo(t)
	olderThan := fixedNow.Add(-10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM notifications")).
		WithArgs(olderThan, fixedNow, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)).AddRow(int64(5)))

	ids, err := repo.ListStalePending(context.Background(), olderThan, 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservationRepository(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo := NewReservationRepository(mock)

	cols := []string{"id", "user_id", "event_id", "name", "start_time", "status"}
	start := fixedNow.Add(90 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE r.id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(int64(5), int64(42), int64(7), "Go meetup", start, "confirmed"))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE r.id = $1")).
		WithArgs(int64(6)).
		WillReturnRows(pgxmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta("e.start_time BETWEEN $1 AND $2")).
		WithArgs(fixedNow.Add(time.Hour), fixedNow.Add(2*time.Hour)).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(5), int64(42), int64(7), "Go meetup", start, "confirmed").
			AddRow(int64(8), int64(43), int64(7), "Go meetup", start, "confirmed"))

	res, err := repo.GetReservation(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "Go meetup", res.EventName)
	assert.Equal(t, int64(42), res.UserID)

	_, err = repo.GetReservation(context.Background(), 6)
	assert.ErrorIs(t, err, ErrReservationNotFound)

	list, err := repo.ListUpcomingStarting(context.Background(), fixedNow.Add(time.Hour), fixedNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}
