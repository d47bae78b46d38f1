package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Lanes is the coordinator's ground truth: one FIFO per lane. The first
// capacity(lane) entries of a lane are released; the rest wait.
type Lanes interface {
	Enqueue(ctx context.Context, lane, requestID string) (int, error)
	Status(ctx context.Context, lane, requestID string) (StatusResponse, error)
	Confirm(ctx context.Context, lane, requestID string) error
	Reap(ctx context.Context, policy ReapPolicy) (int, error)
}

// ReapPolicy bounds how long an entry may sit without news from its holder.
// Waiting holders poll, so silence means they are gone. Released holders stop
// polling while they execute and are only dropped after HoldLimit.
type ReapPolicy struct {
	StaleAfter time.Duration
	HoldLimit  time.Duration
}

// Capacities maps a lane to the number of holders released at once.
type Capacities struct {
	Default int
	Lanes   map[string]int
}

func (c Capacities) For(lane string) int {
	if n, ok := c.Lanes[lane]; ok && n > 0 {
		return n
	}
	if c.Default > 0 {
		return c.Default
	}
	return 1
}

func statusFor(position, capacity int) StatusResponse {
	if position <= capacity {
		return StatusResponse{
			Status:   StatusReleased,
			Position: position,
			Message:  "Liberado para execução",
		}
	}
	ahead := position - capacity
	return StatusResponse{
		Status:   StatusWaiting,
		Position: position,
		Message:  fmt.Sprintf("Aguardando na fila: posição %d (%d à frente)", position, ahead),
	}
}

// MemoryLanes keeps lanes in process memory. Registrations are lost on
// restart, which clients recover from by re-enqueueing.
type MemoryLanes struct {
	caps Capacities
	now  func() time.Time

	mu    sync.Mutex
	lanes map[string]*memoryLane
}

type memoryLane struct {
	order []string
	seen  map[string]time.Time
}

func NewMemoryLanes(caps Capacities) *MemoryLanes {
	return &MemoryLanes{caps: caps, now: time.Now, lanes: make(map[string]*memoryLane)}
}

func (m *MemoryLanes) lane(name string) *memoryLane {
	l, ok := m.lanes[name]
	if !ok {
		l = &memoryLane{seen: make(map[string]time.Time)}
		m.lanes[name] = l
	}
	return l
}

func (l *memoryLane) index(requestID string) int {
	for i, id := range l.order {
		if id == requestID {
			return i
		}
	}
	return -1
}

func (l *memoryLane) remove(requestID string) {
	if i := l.index(requestID); i >= 0 {
		l.order = append(l.order[:i], l.order[i+1:]...)
	}
	delete(l.seen, requestID)
}

func (m *MemoryLanes) Enqueue(ctx context.Context, lane, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lane(lane)
	i := l.index(requestID)
	if i < 0 {
		l.order = append(l.order, requestID)
		i = len(l.order) - 1
	}
	l.seen[requestID] = m.now()
	return i + 1, nil
}

func (m *MemoryLanes) Status(ctx context.Context, lane, requestID string) (StatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lanes[lane]
	if !ok {
		return StatusResponse{}, ErrNotRegistered
	}
	i := l.index(requestID)
	if i < 0 {
		return StatusResponse{}, ErrNotRegistered
	}
	l.seen[requestID] = m.now()
	return statusFor(i+1, m.caps.For(lane)), nil
}

func (m *MemoryLanes) Confirm(ctx context.Context, lane, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.lanes[lane]; ok {
		l.remove(requestID)
	}
	return nil
}

func (m *MemoryLanes) Reap(ctx context.Context, policy ReapPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	reaped := 0
	for name, l := range m.lanes {
		capacity := m.caps.For(name)
		var stale []string
		for i, id := range l.order {
			limit := policy.StaleAfter
			if i < capacity {
				limit = policy.HoldLimit
			}
			if limit > 0 && now.Sub(l.seen[id]) > limit {
				stale = append(stale, id)
			}
		}
		for _, id := range stale {
			l.remove(id)
			reaped++
		}
	}
	return reaped, nil
}
