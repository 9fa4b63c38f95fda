package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"eventnotify/pkg/trace"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var eventColumns = []string{
	"id", "aggregate_type", "aggregate_id", "routing_key", "payload", "status",
	"retry_count", "next_retry_at", "created_at", "updated_at",
}

type published struct {
	routingKey string
	traceID    string
	payload    any
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	fail  map[string]error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[routingKey]; err != nil {
		return err
	}
	p.calls = append(p.calls, published{routingKey: routingKey, traceID: trace.FromContext(ctx), payload: payload})
	return nil
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo := NewRepository(mock)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }
	return mock, repo
}

func eventRow(rows *pgxmock.Rows, id int64, routingKey, payload string) *pgxmock.Rows {
	now := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	aggID := id * 10
	return rows.AddRow(id, "notification", &aggID, routingKey, json.RawMessage(payload), StatusPending, 0, (*time.Time)(nil), now, now)
}

func TestInsertEventInTx(t *testing.T) {
	mock, repo := newMockRepo(t)
	ctx := context.Background()
	created := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs("notification", pgxmock.AnyArg(), "notification.sent", pgxmock.AnyArg(), StatusPending).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), created, created))
	mock.ExpectCommit()

	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	id := int64(42)
	err = InsertEventInTx(ctx, tx, repo, "notification", &id, "notification.sent", map[string]any{"notification_id": 42})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_ProcessPendingEvents(t *testing.T) {
	mock, repo := newMockRepo(t)

	rows := pgxmock.NewRows(eventColumns)
	eventRow(rows, 1, "notification.sent", `{"notification_id":1,"trace_id":"trace-1"}`)
	eventRow(rows, 2, "notification.failed", `{"notification_id":2}`)

	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WithArgs(pgxmock.AnyArg(), 100).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'sent'")).
		WithArgs(int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT retry_count FROM outbox_events")).
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"retry_count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, retry_count = $2")).
		WithArgs(StatusPending, 1, pgxmock.AnyArg(), pgxmock.AnyArg(), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	pub := &fakePublisher{fail: map[string]error{"notification.failed": errors.New("broker down")}}
	d := NewDispatcher(repo, pub, zap.NewNop())

	n := d.ProcessPendingEvents(context.Background())
	assert.Equal(t, 1, n)
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "notification.sent", pub.calls[0].routingKey)
	assert.Equal(t, "trace-1", pub.calls[0].traceID)
	assert.JSONEq(t, `{"notification_id":1,"trace_id":"trace-1"}`, string(pub.calls[0].payload.(json.RawMessage)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkAsFailedGivesUpAtMaxRetries(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT retry_count FROM outbox_events")).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"retry_count"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, retry_count = $2")).
		WithArgs(StatusFailed, 5, (*time.Time)(nil), pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkAsFailed(context.Background(), 3, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	status, next := nextAttempt(now, 2, 5)
	assert.Equal(t, StatusPending, status)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(10*time.Second), *next)

	status, next = nextAttempt(now, 5, 5)
	assert.Equal(t, StatusFailed, status)
	assert.Nil(t, next)
}

func TestReplayService_ReplayFailedEvents(t *testing.T) {
	mock, repo := newMockRepo(t)

	rows := pgxmock.NewRows(eventColumns)
	eventRow(rows, 4, "notification.sent", `{}`)
	eventRow(rows, 5, "notification.sent", `{}`)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'failed'")).
		WithArgs(10).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending', retry_count = 0")).
		WithArgs(int64(4), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending', retry_count = 0")).
		WithArgs(int64(5), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	svc := NewReplayService(repo, zap.NewNop())
	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResetEventNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending', retry_count = 0")).
		WithArgs(int64(99), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, repo.ResetEvent(context.Background(), 99), ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
