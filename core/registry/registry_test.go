package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/freightd/core/clock"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/pricing"
	"github.com/kilianp07/freightd/infra/logger"
	"github.com/kilianp07/freightd/infra/store"
)

var (
	pickup = model.GeoPoint{Lat: 19.0760, Lng: 72.8777}
	drop   = model.GeoPoint{Lat: 18.5204, Lng: 73.8567}
)

func newRegistry(t *testing.T) (*Registry, *store.Memory, *clock.Mock) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := New(Config{TTLMinutes: 60, RetentionHours: 24}, mem, mem.Reservations(), clk, nil, nil, logger.NopLogger{})
	return r, mem, clk
}

func spec(n int) CreateSpec {
	return CreateSpec{
		CustomerID:   "cust-1",
		Pickup:       pickup,
		Drop:         drop,
		VehicleClass: model.ClassTruck14ft,
		TrucksNeeded: n,
	}
}

func TestCreateValidation(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateSpec)
		field  string
	}{
		{"zero trucks", func(s *CreateSpec) { s.TrucksNeeded = 0 }, "trucks_needed"},
		{"over cap", func(s *CreateSpec) { s.TrucksNeeded = 101 }, "trucks_needed"},
		{"no customer", func(s *CreateSpec) { s.CustomerID = "" }, "customer_id"},
		{"bad pickup", func(s *CreateSpec) { s.Pickup.Lat = 95 }, "pickup"},
		{"same drop", func(s *CreateSpec) { s.Drop = s.Pickup }, "drop"},
		{"bad class", func(s *CreateSpec) { s.VehicleClass = "bullock_cart" }, "vehicle_class"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp := spec(5)
			tc.mutate(&sp)
			_, err := r.Create(ctx, sp)
			var verr fault.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCreateSetsExpiry(t *testing.T) {
	r, _, clk := newRegistry(t)
	b, err := r.Create(context.Background(), spec(3))
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastActive, b.Status)
	assert.Equal(t, clk.Now().Add(time.Hour), b.ExpiresAt)
	assert.Zero(t, b.TrucksFilled)
}

func TestTryReserveFillsAndConflicts(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	b, err := r.Create(ctx, spec(5))
	require.NoError(t, err)

	res, err := r.TryReserve(ctx, b.ID, "tr-1", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Active)
	assert.Equal(t, model.ReservationPending, res.Status)

	got, _ := r.Get(ctx, b.ID)
	assert.Equal(t, model.BroadcastPartiallyFilled, got.Status)
	assert.Equal(t, 2, got.Remaining())

	// Oversized follow-up claim is rejected with the live remaining count.
	_, err = r.TryReserve(ctx, b.ID, "tr-2", 3, nil)
	var conflict fault.CapacityConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Remaining)

	// Exact fit fills the broadcast.
	_, err = r.TryReserve(ctx, b.ID, "tr-2", 2, nil)
	require.NoError(t, err)
	got, _ = r.Get(ctx, b.ID)
	assert.Equal(t, model.BroadcastFullyFilled, got.Status)

	_, err = r.TryReserve(ctx, b.ID, "tr-3", 1, nil)
	assert.True(t, fault.IsTerminal(err))
}

func TestTryReserveConcurrentNeverOverfills(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	b, err := r.Create(ctx, spec(10))
	require.NoError(t, err)

	const claimers = 30
	var wg sync.WaitGroup
	granted := make(chan int, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.TryReserve(ctx, b.ID, "tr", 2, nil); err == nil {
				granted <- 2
			}
		}()
	}
	wg.Wait()
	close(granted)

	total := 0
	for n := range granted {
		total += n
	}
	assert.Equal(t, 10, total, "grants must sum exactly to capacity")

	got, _ := r.Get(ctx, b.ID)
	assert.Equal(t, 10, got.TrucksFilled)
	assert.Equal(t, model.BroadcastFullyFilled, got.Status)
	assert.NoError(t, got.CheckCounters())
}

func TestReleaseRevertsFillStatus(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	b, _ := r.Create(ctx, spec(3))
	res, err := r.TryReserve(ctx, b.ID, "tr-1", 3, nil)
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, res.ID, 1))
	got, _ := r.Get(ctx, b.ID)
	assert.Equal(t, model.BroadcastPartiallyFilled, got.Status)
	assert.Equal(t, 2, got.TrucksFilled)

	rv, _ := r.Reservation(ctx, res.ID)
	assert.Equal(t, model.ReservationPartiallyReleased, rv.Status)
	assert.Equal(t, 2, rv.Active)

	require.NoError(t, r.Release(ctx, res.ID, 2))
	got, _ = r.Get(ctx, b.ID)
	assert.Equal(t, model.BroadcastActive, got.Status)
	assert.Zero(t, got.TrucksFilled)

	rv, _ = r.Reservation(ctx, res.ID)
	assert.Equal(t, model.ReservationReleased, rv.Status)

	err = r.Release(ctx, res.ID, 1)
	var verr fault.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestReacquireAfterRelease(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	b, _ := r.Create(ctx, spec(2))
	res, err := r.TryReserve(ctx, b.ID, "tr-1", 2, nil)
	require.NoError(t, err)

	require.NoError(t, r.Release(ctx, res.ID, 1))
	require.NoError(t, r.Reacquire(ctx, res.ID))

	rv, _ := r.Reservation(ctx, res.ID)
	assert.Equal(t, 2, rv.Active)
	assert.Equal(t, model.ReservationPending, rv.Status)
	got, _ := r.Get(ctx, b.ID)
	assert.Equal(t, 2, got.TrucksFilled)
}

func TestReacquireLosesToConcurrentClaim(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	b, _ := r.Create(ctx, spec(2))
	res, err := r.TryReserve(ctx, b.ID, "tr-1", 2, nil)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, res.ID, 1))

	// Another transporter grabs the freed slot before the retarget.
	_, err = r.TryReserve(ctx, b.ID, "tr-2", 1, nil)
	require.NoError(t, err)

	err = r.Reacquire(ctx, res.ID)
	assert.True(t, fault.IsCapacityConflict(err))

	rv, _ := r.Reservation(ctx, res.ID)
	assert.Equal(t, 1, rv.Active, "a failed reacquire must not touch the reservation")
}

func TestCorruptedGuard(t *testing.T) {
	r, mem, _ := newRegistry(t)
	ctx := context.Background()
	b, _ := r.Create(ctx, spec(3))

	// Simulate an out-of-band counter violation.
	_, err := mem.Update(ctx, b.ID, func(bc *model.Broadcast) error {
		bc.TrucksFilled = 7
		return nil
	})
	require.NoError(t, err)

	_, err = r.TryReserve(ctx, b.ID, "tr-1", 1, nil)
	var corrupt fault.Corrupted
	require.ErrorAs(t, err, &corrupt)

	// The flag sticks: all further mutation is refused.
	got, _ := r.Get(ctx, b.ID)
	assert.True(t, got.Corrupted)
	assert.ErrorAs(t, r.Cancel(ctx, b.ID, "ops", "cleanup"), &corrupt)
}

type recordingCascade struct {
	mu       sync.Mutex
	released []string
}

func (c *recordingCascade) ReleaseBroadcast(ctx context.Context, broadcastID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, broadcastID)
	return nil
}

func TestCancelCascades(t *testing.T) {
	r, _, _ := newRegistry(t)
	casc := &recordingCascade{}
	r.SetCascade(casc)
	ctx := context.Background()
	b, _ := r.Create(ctx, spec(3))

	require.NoError(t, r.Cancel(ctx, b.ID, "cust-1", "no longer needed"))
	got, _ := r.Get(ctx, b.ID)
	assert.Equal(t, model.BroadcastCancelled, got.Status)
	assert.Equal(t, "no longer needed", got.ClosedReason)
	assert.Equal(t, []string{b.ID}, casc.released)

	// Cancel is not idempotent: the second attempt hits a terminal status.
	assert.True(t, fault.IsTerminal(r.Cancel(ctx, b.ID, "cust-1", "again")))
	_, err := r.TryReserve(ctx, b.ID, "tr-1", 1, nil)
	assert.True(t, fault.IsTerminal(err))
}

func TestListFiltersAndAnnotates(t *testing.T) {
	r, _, clk := newRegistry(t)
	ctx := context.Background()

	first, _ := r.Create(ctx, spec(3))
	clk.Advance(time.Minute)
	trailerSpec := spec(1)
	trailerSpec.VehicleClass = model.ClassTrailer
	second, _ := r.Create(ctx, trailerSpec)

	all, err := r.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].Broadcast.ID, "newest first")
	assert.Equal(t, first.ID, all[1].Broadcast.ID)
	assert.Equal(t, 3, all[1].TrucksRemaining)
	assert.InDelta(t, 59*time.Minute, all[1].TimeRemaining, float64(time.Second))
	assert.Greater(t, all[1].TripDistanceKm, 100.0)

	trailers, err := r.List(ctx, ListFilter{VehicleClass: model.ClassTrailer})
	require.NoError(t, err)
	require.Len(t, trailers, 1)
	assert.Equal(t, second.ID, trailers[0].Broadcast.ID)

	caller := model.GeoPoint{Lat: 19.2183, Lng: 72.9781}
	withLoc, err := r.List(ctx, ListFilter{CallerLocation: &caller})
	require.NoError(t, err)
	assert.Greater(t, withLoc[0].DistanceFromCaller, 0.0)
}

func TestListQuotesFare(t *testing.T) {
	mem := store.NewMemory()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r := New(Config{}, mem, mem.Reservations(), clk, nil, pricing.DefaultTariffs(), logger.NopLogger{})

	ctx := context.Background()
	urgentSpec := spec(1)
	urgentSpec.Urgent = true
	_, err := r.Create(ctx, urgentSpec)
	require.NoError(t, err)

	out, err := r.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	want := pricing.DefaultTariffs().Quote(out[0].TripDistanceKm, model.ClassTruck14ft, true)
	assert.InDelta(t, want, out[0].EstimatedFare, 1e-9)
}

func TestListHidesExpiredAndFilled(t *testing.T) {
	r, _, clk := newRegistry(t)
	ctx := context.Background()

	filled, _ := r.Create(ctx, spec(1))
	_, err := r.TryReserve(ctx, filled.ID, "tr-1", 1, nil)
	require.NoError(t, err)

	shortLived := spec(2)
	shortLived.TTL = 10 * time.Minute
	_, err = r.Create(ctx, shortLived)
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	out, err := r.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, out)
}
