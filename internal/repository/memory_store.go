package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventnotify/internal/model"
)

// MemoryStore 是进程内的 NotificationStore，用于 storage.driver=memory 和测试
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*model.Notification
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[int64]*model.Notification),
		now:   time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func clone(n *model.Notification) *model.Notification {
	c := *n
	if n.Related != nil {
		ref := *n.Related
		c.Related = &ref
	}
	if n.ClaimedUntil != nil {
		t := *n.ClaimedUntil
		c.ClaimedUntil = &t
	}
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	return &c
}

func (s *MemoryStore) insertLocked(n model.NewNotification, createdAt time.Time) *model.Notification {
	s.nextID++
	stored := newPending(s.nextID, n, createdAt)
	if n.Related != nil {
		ref := *n.Related
		stored.Related = &ref
	}
	s.items[stored.ID] = stored
	return clone(stored)
}

func (s *MemoryStore) Create(ctx context.Context, n model.NewNotification) (*model.Notification, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(n, s.now()), nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, ns []model.NewNotification) ([]*model.Notification, error) {
	for i, n := range ns {
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("notification %d: %w", i, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now()
	out := make([]*model.Notification, 0, len(ns))
	for _, n := range ns {
		out = append(out, s.insertLocked(n, createdAt))
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return clone(n), nil
}

func (s *MemoryStore) ListByRecipient(ctx context.Context, recipientID int64, limit int) ([]*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Notification
	for _, n := range s.items {
		if n.RecipientID == recipientID {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id int64, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return model.ErrNotFound
	}
	now := s.now()
	if n.Status != model.StatusPending {
		return model.ErrAlreadyProcessed
	}
	if !n.Claimable(now) {
		return model.ErrInFlight
	}
	until := now.Add(lease)
	n.ClaimedUntil = &until
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.items[id]; ok && n.Status == model.StatusPending {
		n.ClaimedUntil = nil
	}
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, id int64, outcome model.Outcome, detail string) (model.Applied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return "", model.ErrNotFound
	}
	if n.Status != model.StatusPending {
		return model.AppliedAlreadyProcessed, nil
	}

	n.ClaimedUntil = nil
	if outcome == model.OutcomeSent {
		now := s.now()
		n.Status = model.StatusSent
		n.SentAt = &now
		return model.AppliedSent, nil
	}
	n.Status = model.StatusFailed
	return model.AppliedFailed, nil
}

func (s *MemoryStore) MarkAsRead(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[id]
	if !ok {
		return model.ErrNotFound
	}
	n.IsRead = true
	return nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var stale []*model.Notification
	for _, n := range s.items {
		if n.Claimable(now) && n.CreatedAt.Before(olderThan) {
			stale = append(stale, n)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].CreatedAt.Equal(stale[j].CreatedAt) {
			return stale[i].CreatedAt.Before(stale[j].CreatedAt)
		}
		return stale[i].ID < stale[j].ID
	})

	ids := make([]int64, 0, len(stale))
	for _, n := range stale {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, n.ID)
	}
	return ids, nil
}
