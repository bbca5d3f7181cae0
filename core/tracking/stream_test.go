package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/infra/logger"
	"github.com/kilianp07/freightd/infra/store"
)

func newStream(t *testing.T) (*Stream, *clock.Mock) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(Config{MaxSpeedKmh: 160}, mem.Sessions(), mem.Positions(), clk, nil, logger.NopLogger{}), clk
}

func openSession(t *testing.T, s *Stream) model.TrackingSession {
	t.Helper()
	sess, err := s.Open(context.Background(), model.DriverAssignment{
		ID:            "a1",
		BroadcastID:   "b1",
		TransporterID: "tr-1",
		DriverID:      "drv-1",
		State:         model.AssignmentAccepted,
	})
	require.NoError(t, err)
	return sess
}

func fix(seq uint64, at time.Time, lat, lng float64) model.Position {
	return model.Position{Lat: lat, Lng: lng, Sequence: seq, Timestamp: at}
}

func TestOpenIsOncePerAssignment(t *testing.T) {
	s, _ := newStream(t)
	sess := openSession(t, s)
	assert.Equal(t, model.TripAssigned, sess.State)
	assert.Equal(t, "drv-1", sess.DriverID)

	_, err := s.Open(context.Background(), model.DriverAssignment{ID: "a1"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestIngestDropsOutOfOrderFixes(t *testing.T) {
	s, clk := newStream(t)
	sess := openSession(t, s)
	ctx := context.Background()

	base := clk.Now()
	lat := 19.0760
	for i, seq := range []uint64{1, 2, 4} {
		ok, err := s.Ingest(ctx, sess.ID, fix(seq, base.Add(time.Duration(i)*30*time.Second), lat+float64(i)*0.001, 72.8777))
		require.NoError(t, err)
		assert.True(t, ok, "sequence %d", seq)
	}

	// Sequence 3 arrives after 4: dropped without error.
	ok, err := s.Ingest(ctx, sess.ID, fix(3, base.Add(90*time.Second), 19.08, 72.8777))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Ingest(ctx, sess.ID, fix(5, base.Add(2*time.Minute), 19.081, 72.8777))
	require.NoError(t, err)
	assert.True(t, ok)

	hist, err := s.History(ctx, sess.ID)
	require.NoError(t, err)
	seqs := make([]uint64, len(hist))
	for i, p := range hist {
		seqs[i] = p.Sequence
	}
	assert.Equal(t, []uint64{1, 2, 4, 5}, seqs)

	live, err := s.Live(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), live.LastSequence)
	require.NotNil(t, live.LastPosition)
	assert.Equal(t, uint64(5), live.LastPosition.Sequence)
}

func TestIngestFlagsImplausibleJump(t *testing.T) {
	s, clk := newStream(t)
	sess := openSession(t, s)
	ctx := context.Background()

	base := clk.Now()
	ok, err := s.Ingest(ctx, sess.ID, fix(1, base, 19.0760, 72.8777))
	require.NoError(t, err)
	require.True(t, ok)

	// Mumbai to Delhi in thirty seconds.
	ok, err = s.Ingest(ctx, sess.ID, fix(2, base.Add(30*time.Second), 28.6139, 77.2090))
	require.NoError(t, err)
	assert.True(t, ok, "implausible fixes are kept, not rejected")

	hist, _ := s.History(ctx, sess.ID)
	require.Len(t, hist, 2)
	assert.False(t, hist[0].LowConfidence)
	assert.True(t, hist[1].LowConfidence)
}

func TestIngestFlagsNonAdvancingTimestamp(t *testing.T) {
	s, clk := newStream(t)
	sess := openSession(t, s)
	ctx := context.Background()

	base := clk.Now()
	_, err := s.Ingest(ctx, sess.ID, fix(1, base, 19.0760, 72.8777))
	require.NoError(t, err)
	ok, err := s.Ingest(ctx, sess.ID, fix(2, base, 19.0761, 72.8777))
	require.NoError(t, err)
	require.True(t, ok)

	live, _ := s.Live(ctx, sess.ID)
	assert.True(t, live.LastPosition.LowConfidence)
}

func TestAdvanceWalksTheTrip(t *testing.T) {
	s, _ := newStream(t)
	sess := openSession(t, s)
	ctx := context.Background()

	for _, next := range []model.TripState{
		model.TripEnRouteToPickup,
		model.TripPickupReached,
		model.TripInTransit,
		model.TripDropReached,
		model.TripCompleted,
	} {
		got, err := s.Advance(ctx, sess.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, got.State)
	}
}

func TestAdvanceRejectsSkips(t *testing.T) {
	s, _ := newStream(t)
	sess := openSession(t, s)

	_, err := s.Advance(context.Background(), sess.ID, model.TripInTransit)
	var verr fault.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "state", verr.Field)
}

func TestTerminalSessionRefusesEverything(t *testing.T) {
	s, clk := newStream(t)
	sess := openSession(t, s)
	ctx := context.Background()

	_, err := s.Cancel(ctx, sess.ID)
	require.NoError(t, err)

	_, err = s.Advance(ctx, sess.ID, model.TripEnRouteToPickup)
	assert.True(t, fault.IsTerminal(err))

	_, err = s.Ingest(ctx, sess.ID, fix(1, clk.Now(), 19.0760, 72.8777))
	assert.True(t, fault.IsTerminal(err))

	// History of a terminal session stays readable.
	_, err = s.History(ctx, sess.ID)
	assert.NoError(t, err)
}

func TestIngestUnknownSession(t *testing.T) {
	s, clk := newStream(t)
	_, err := s.Ingest(context.Background(), "ghost", fix(1, clk.Now(), 19.0760, 72.8777))
	assert.True(t, fault.IsNotFound(err))
}

func TestIngestDefaultsTimestamp(t *testing.T) {
	s, clk := newStream(t)
	sess := openSession(t, s)
	ctx := context.Background()

	ok, err := s.Ingest(ctx, sess.ID, model.Position{Lat: 19.0760, Lng: 72.8777, Sequence: 1})
	require.NoError(t, err)
	require.True(t, ok)

	live, _ := s.Live(ctx, sess.ID)
	assert.Equal(t, clk.Now(), live.LastPosition.Timestamp)
}
