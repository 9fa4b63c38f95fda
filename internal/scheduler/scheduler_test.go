package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"eventnotify/internal/dispatcher"
	"eventnotify/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	lane dispatcher.Lane
	name string
}

type fakeJobs struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeJobs) Enqueue(ctx context.Context, lane dispatcher.Lane, name string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{lane: lane, name: name})
	return "id", nil
}

func (f *fakeJobs) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestNew_DefaultsAndValidation(t *testing.T) {
	s, err := New(Config{}, &fakeJobs{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())

	_, err = New(Config{ReminderSpec: "every hour"}, &fakeJobs{}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(Config{Timezone: "Mars/Olympus"}, &fakeJobs{}, zap.NewNop())
	assert.Error(t, err)
}

func TestEnqueueFunc_RoutesJobsToLanes(t *testing.T) {
	jobs := &fakeJobs{}
	s, err := New(Config{}, jobs, zap.NewNop())
	require.NoError(t, err)

	s.enqueueFunc(dispatcher.LaneHigh, service.JobSendEventReminders)()
	s.enqueueFunc(dispatcher.LaneDefault, service.JobSweepPendingNotifications)()

	assert.Equal(t, []call{
		{lane: dispatcher.LaneHigh, name: "send_event_reminders"},
		{lane: dispatcher.LaneDefault, name: "sweep_pending_notifications"},
	}, jobs.snapshot())
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	jobs := &fakeJobs{}
	// robfig/cron 默认解析器最小粒度是分钟，用 @every 测试
	s, err := New(Config{ReminderSpec: "@every 1s", SweepSpec: "@every 1h"}, jobs, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(jobs.snapshot()) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, service.JobSendEventReminders, jobs.snapshot()[0].name)
}
