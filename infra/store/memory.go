// Package store provides the persistence adapters behind the core store
// ports: an in-memory implementation for tests and single-node
// deployments, and a Redis implementation for shared state.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/model"
)

// Memory implements every core store port with mutex-guarded maps. The
// Update critical sections are short, so a single lock per store keeps
// unrelated entities effectively parallel.
type Memory struct {
	mu           sync.Mutex
	broadcasts   map[string]model.Broadcast
	reservations map[string]model.Reservation
	assignments  map[string]model.DriverAssignment
	sessions     map[string]model.TrackingSession
	positions    map[string][]model.Position
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		broadcasts:   make(map[string]model.Broadcast),
		reservations: make(map[string]model.Reservation),
		assignments:  make(map[string]model.DriverAssignment),
		sessions:     make(map[string]model.TrackingSession),
		positions:    make(map[string][]model.Position),
	}
}

// Put stores a broadcast.
func (m *Memory) Put(ctx context.Context, b model.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts[b.ID] = b
	return nil
}

// Get returns a broadcast by id.
func (m *Memory) Get(ctx context.Context, id string) (model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return model.Broadcast{}, fault.NotFound{Kind: "broadcast", ID: id}
	}
	return b, nil
}

// List returns all broadcasts.
func (m *Memory) List(ctx context.Context) ([]model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Broadcast, 0, len(m.broadcasts))
	for _, b := range m.broadcasts {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update applies fn to the broadcast under the store lock, making the
// read-then-write a single atomic conditional update.
func (m *Memory) Update(ctx context.Context, id string, fn func(*model.Broadcast) error) (model.Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return model.Broadcast{}, fault.NotFound{Kind: "broadcast", ID: id}
	}
	if err := fn(&b); err != nil {
		return model.Broadcast{}, err
	}
	m.broadcasts[id] = b
	return b, nil
}

// Delete removes a broadcast.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.broadcasts, id)
	return nil
}

// Reservations returns the reservation port view of the store.
func (m *Memory) Reservations() *MemoryReservations { return &MemoryReservations{m: m} }

// Assignments returns the assignment port view of the store.
func (m *Memory) Assignments() *MemoryAssignments { return &MemoryAssignments{m: m} }

// Sessions returns the session port view of the store.
func (m *Memory) Sessions() *MemorySessions { return &MemorySessions{m: m} }

// Positions returns the position log view of the store.
func (m *Memory) Positions() *MemoryPositions { return &MemoryPositions{m: m} }

// MemoryReservations implements store.ReservationStore.
type MemoryReservations struct{ m *Memory }

func (r *MemoryReservations) Put(ctx context.Context, res model.Reservation) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.reservations[res.ID] = res
	return nil
}

func (r *MemoryReservations) Get(ctx context.Context, id string) (model.Reservation, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	res, ok := r.m.reservations[id]
	if !ok {
		return model.Reservation{}, fault.NotFound{Kind: "reservation", ID: id}
	}
	return res, nil
}

func (r *MemoryReservations) ListByBroadcast(ctx context.Context, broadcastID string) ([]model.Reservation, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Reservation
	for _, res := range r.m.reservations {
		if res.BroadcastID == broadcastID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryReservations) Update(ctx context.Context, id string, fn func(*model.Reservation) error) (model.Reservation, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	res, ok := r.m.reservations[id]
	if !ok {
		return model.Reservation{}, fault.NotFound{Kind: "reservation", ID: id}
	}
	if err := fn(&res); err != nil {
		return model.Reservation{}, err
	}
	r.m.reservations[id] = res
	return res, nil
}

// MemoryAssignments implements store.AssignmentStore.
type MemoryAssignments struct{ m *Memory }

func (a *MemoryAssignments) Put(ctx context.Context, da model.DriverAssignment) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	a.m.assignments[da.ID] = da
	return nil
}

func (a *MemoryAssignments) Get(ctx context.Context, id string) (model.DriverAssignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	da, ok := a.m.assignments[id]
	if !ok {
		return model.DriverAssignment{}, fault.NotFound{Kind: "assignment", ID: id}
	}
	return da, nil
}

func (a *MemoryAssignments) ListByReservation(ctx context.Context, reservationID string) ([]model.DriverAssignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var out []model.DriverAssignment
	for _, da := range a.m.assignments {
		if da.ReservationID == reservationID {
			out = append(out, da)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (a *MemoryAssignments) ListByBroadcast(ctx context.Context, broadcastID string) ([]model.DriverAssignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	var out []model.DriverAssignment
	for _, da := range a.m.assignments {
		if da.BroadcastID == broadcastID {
			out = append(out, da)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (a *MemoryAssignments) Update(ctx context.Context, id string, fn func(*model.DriverAssignment) error) (model.DriverAssignment, error) {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	da, ok := a.m.assignments[id]
	if !ok {
		return model.DriverAssignment{}, fault.NotFound{Kind: "assignment", ID: id}
	}
	if err := fn(&da); err != nil {
		return model.DriverAssignment{}, err
	}
	a.m.assignments[id] = da
	return da, nil
}

func sortAssignments(as []model.DriverAssignment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Slot != as[j].Slot {
			return as[i].Slot < as[j].Slot
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}

// MemorySessions implements store.SessionStore.
type MemorySessions struct{ m *Memory }

func (s *MemorySessions) Put(ctx context.Context, sess model.TrackingSession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.sessions[sess.ID] = sess
	return nil
}

func (s *MemorySessions) Get(ctx context.Context, id string) (model.TrackingSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return model.TrackingSession{}, fault.NotFound{Kind: "session", ID: id}
	}
	return sess, nil
}

func (s *MemorySessions) GetByAssignment(ctx context.Context, assignmentID string) (model.TrackingSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, sess := range s.m.sessions {
		if sess.AssignmentID == assignmentID {
			return sess, nil
		}
	}
	return model.TrackingSession{}, fault.NotFound{Kind: "session", ID: assignmentID}
}

func (s *MemorySessions) Update(ctx context.Context, id string, fn func(*model.TrackingSession) error) (model.TrackingSession, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return model.TrackingSession{}, fault.NotFound{Kind: "session", ID: id}
	}
	if err := fn(&sess); err != nil {
		return model.TrackingSession{}, err
	}
	s.m.sessions[id] = sess
	return sess, nil
}

// MemoryPositions implements store.PositionLog.
type MemoryPositions struct{ m *Memory }

func (p *MemoryPositions) Append(ctx context.Context, sessionID string, pos model.Position) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.m.positions[sessionID] = append(p.m.positions[sessionID], pos)
	return nil
}

func (p *MemoryPositions) Entries(ctx context.Context, sessionID string) ([]model.Position, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	src := p.m.positions[sessionID]
	out := make([]model.Position, len(src))
	copy(out, src)
	return out, nil
}
