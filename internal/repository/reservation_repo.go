package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventnotify/internal/model"
	"eventnotify/pkg/db"

	"github.com/jackc/pgx/v5"
)

var ErrReservationNotFound = errors.New("reservation not found")

// ReservationRepository 只读查询业务后端的 events_reservation / events_event 表
type ReservationRepository struct {
	db db.Querier
}

func NewReservationRepository(q db.Querier) *ReservationRepository {
	return &ReservationRepository{db: q}
}

const selectReservation = `
	SELECT r.id, r.user_id, r.event_id, e.name, e.start_time, r.status
	FROM events_reservation r
	JOIN events_event e ON e.id = r.event_id`

func scanReservations(rows pgx.Rows) ([]model.Reservation, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Reservation, error) {
		var res model.Reservation
		err := row.Scan(&res.ID, &res.UserID, &res.EventID, &res.EventName, &res.EventStart, &res.Status)
		return res, err
	})
}

func (r *ReservationRepository) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	rows, err := r.db.Query(ctx, selectReservation+`
	WHERE r.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation %d: %w", id, err)
	}
	list, err := scanReservations(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservation %d: %w", id, err)
	}
	if len(list) == 0 {
		return nil, ErrReservationNotFound
	}
	return &list[0], nil
}

// ListConfirmedByEvent 活动下所有已确认的预订
func (r *ReservationRepository) ListConfirmedByEvent(ctx context.Context, eventID int64) ([]model.Reservation, error) {
	rows, err := r.db.Query(ctx, selectReservation+`
	WHERE r.event_id = $1 AND r.status = 'confirmed'
	ORDER BY r.id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations of event %d: %w", eventID, err)
	}
	return scanReservations(rows)
}

// ListUpcomingStarting 即将开始（start_time 在 [from, to]）的活动的已确认预订
func (r *ReservationRepository) ListUpcomingStarting(ctx context.Context, from, to time.Time) ([]model.Reservation, error) {
	rows, err := r.db.Query(ctx, selectReservation+`
	WHERE r.status = 'confirmed' AND e.status = 'upcoming' AND e.start_time BETWEEN $1 AND $2
	ORDER BY e.start_time, r.id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming reservations: %w", err)
	}
	return scanReservations(rows)
}

// MemoryReservations 是进程内的 ReservationSource
type MemoryReservations struct {
	mu    sync.RWMutex
	items map[int64]model.Reservation

	// 不再是 upcoming 的活动
	cancelled map[int64]bool
}

func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{
		items:     make(map[int64]model.Reservation),
		cancelled: make(map[int64]bool),
	}
}

func (m *MemoryReservations) Put(res model.Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[res.ID] = res
}

// CancelEvent 标记活动不再是 upcoming
func (m *MemoryReservations) CancelEvent(eventID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[eventID] = true
}

func (m *MemoryReservations) GetReservation(ctx context.Context, id int64) (*model.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.items[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &res, nil
}

func (m *MemoryReservations) ListConfirmedByEvent(ctx context.Context, eventID int64) ([]model.Reservation, error) {
	return m.filter(func(res model.Reservation) bool {
		return res.EventID == eventID && res.Status == "confirmed"
	}), nil
}

func (m *MemoryReservations) ListUpcomingStarting(ctx context.Context, from, to time.Time) ([]model.Reservation, error) {
	return m.filter(func(res model.Reservation) bool {
		return res.Status == "confirmed" &&
			!m.cancelled[res.EventID] &&
			!res.EventStart.Before(from) && !res.EventStart.After(to)
	}), nil
}

func (m *MemoryReservations) filter(keep func(model.Reservation) bool) []model.Reservation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Reservation
	for _, res := range m.items {
		if keep(res) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
