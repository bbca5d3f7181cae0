// Package tracking ingests periodic driver position reports, enforces
// ordering and plausibility, and republishes accepted updates to
// subscribers without ever blocking the ingest path.
package tracking

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/logger"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/store"
	"github.com/kilianp07/freightd/internal/eventbus"
)

// Config carries the tracking tunables.
type Config struct {
	// MaxSpeedKmh bounds the plausible speed between consecutive fixes.
	// Faster jumps are kept but flagged low-confidence.
	MaxSpeedKmh float64 `json:"max_speed_kmh"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MaxSpeedKmh <= 0 {
		c.MaxSpeedKmh = 160
	}
}

// ErrSessionExists rejects a second session for the same assignment.
var ErrSessionExists = errors.New("tracking: session already open for assignment")

// errOutOfOrder aborts an ingest whose sequence is not strictly greater
// than the last accepted one. Mapped to a silent drop, not a caller error.
var errOutOfOrder = errors.New("tracking: out of order")

// Stream owns tracking sessions and their append-only position logs.
type Stream struct {
	sessions  store.SessionStore
	positions store.PositionLog
	clock     clock.Clock
	log       logger.Logger
	bus       eventbus.EventBus
	maxSpeed  float64
}

// New creates a Stream. bus may be nil.
func New(cfg Config, sessions store.SessionStore, positions store.PositionLog, clk clock.Clock, bus eventbus.EventBus, log logger.Logger) *Stream {
	cfg.SetDefaults()
	return &Stream{
		sessions:  sessions,
		positions: positions,
		clock:     clk,
		log:       log,
		bus:       bus,
		maxSpeed:  cfg.MaxSpeedKmh,
	}
}

func (s *Stream) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Open creates the tracking session for an accepted assignment. Exactly
// one session may exist per assignment.
func (s *Stream) Open(ctx context.Context, a model.DriverAssignment) (model.TrackingSession, error) {
	if _, err := s.sessions.GetByAssignment(ctx, a.ID); err == nil {
		return model.TrackingSession{}, ErrSessionExists
	} else if !fault.IsNotFound(err) {
		return model.TrackingSession{}, err
	}
	now := s.clock.Now()
	sess := model.TrackingSession{
		ID:            uuid.NewString(),
		AssignmentID:  a.ID,
		BroadcastID:   a.BroadcastID,
		TransporterID: a.TransporterID,
		DriverID:      a.DriverID,
		State:         model.TripAssigned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return model.TrackingSession{}, err
	}
	sessionsOpened.Inc()
	s.log.Infof("tracking session %s opened for assignment %s", sess.ID, a.ID)
	return sess, nil
}

// Ingest validates and appends one position report. The returned accepted
// flag is false for out-of-order fixes, which are dropped silently since
// transport-layer duplication and reordering are expected. Implausible
// jumps are flagged low-confidence rather than rejected so GPS noise
// cannot stall a session.
func (s *Stream) Ingest(ctx context.Context, sessionID string, p model.Position) (bool, error) {
	if p.Timestamp.IsZero() {
		p.Timestamp = s.clock.Now()
	}
	updated, err := s.sessions.Update(ctx, sessionID, func(sess *model.TrackingSession) error {
		if sess.State.Terminal() {
			return fault.ExpiredOrTerminal{Kind: "session", ID: sess.ID, Status: sess.State.String()}
		}
		if p.Sequence <= sess.LastSequence && sess.LastSequence > 0 {
			return errOutOfOrder
		}
		if sess.LastPosition != nil {
			if s.implausible(*sess.LastPosition, p) {
				p.LowConfidence = true
			}
		}
		pos := p
		sess.LastPosition = &pos
		sess.LastSequence = p.Sequence
		sess.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, errOutOfOrder) {
			positionsDropped.Inc()
			s.log.Debugf("session %s: dropped out-of-order sequence %d", sessionID, p.Sequence)
			return false, nil
		}
		return false, err
	}

	if err := s.positions.Append(ctx, sessionID, *updated.LastPosition); err != nil {
		s.log.Errorf("append position for %s: %v", sessionID, err)
	}
	positionsIngested.Inc()
	s.publish(events.PositionEvent{
		SessionID: sessionID,
		Position:  *updated.LastPosition,
		State:     updated.State,
		At:        s.clock.Now(),
	})
	return true, nil
}

// implausible reports whether moving between the two fixes would require
// exceeding the configured max speed.
func (s *Stream) implausible(prev, next model.Position) bool {
	dt := next.Timestamp.Sub(prev.Timestamp)
	if dt <= 0 {
		return true
	}
	distKm := prev.Point().DistanceKm(next.Point())
	speed := distKm / dt.Hours()
	return speed > s.maxSpeed
}

// Advance moves the trip sub-state machine. Transitions outside the table
// are rejected.
func (s *Stream) Advance(ctx context.Context, sessionID string, next model.TripState) (model.TrackingSession, error) {
	var from model.TripState
	updated, err := s.sessions.Update(ctx, sessionID, func(sess *model.TrackingSession) error {
		from = sess.State
		if !sess.State.CanTransition(next) {
			if sess.State.Terminal() {
				return fault.ExpiredOrTerminal{Kind: "session", ID: sess.ID, Status: sess.State.String()}
			}
			return fault.ValidationError{Field: "state", Reason: from.String() + " cannot become " + next.String()}
		}
		sess.State = next
		sess.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return model.TrackingSession{}, err
	}
	s.log.Infof("session %s: %s -> %s", sessionID, from, next)
	s.publish(events.TripStateEvent{SessionID: sessionID, From: from, To: next, At: s.clock.Now()})
	return updated, nil
}

// Cancel aborts the trip from any non-terminal state.
func (s *Stream) Cancel(ctx context.Context, sessionID string) (model.TrackingSession, error) {
	return s.Advance(ctx, sessionID, model.TripCancelled)
}

// Live returns the current session snapshot: last-known position and trip
// state.
func (s *Stream) Live(ctx context.Context, sessionID string) (model.TrackingSession, error) {
	return s.sessions.Get(ctx, sessionID)
}

// History returns the full accepted position log of a session.
func (s *Stream) History(ctx context.Context, sessionID string) ([]model.Position, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.positions.Entries(ctx, sessionID)
}
