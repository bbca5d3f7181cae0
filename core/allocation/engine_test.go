package allocation

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
	"github.com/kilianp07/freightd/core/registry"
	"github.com/kilianp07/freightd/infra/logger"
	"github.com/kilianp07/freightd/infra/store"
)

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []model.DriverAssignment
	cancelled []string
}

func (f *fakeNotifier) Notify(ctx context.Context, a model.DriverAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, a)
	return nil
}

func (f *fakeNotifier) CancelAssignment(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeNotifier) drivers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notified))
	for i, a := range f.notified {
		out[i] = a.DriverID
	}
	return out
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []string
}

func (f *fakeOpener) Open(ctx context.Context, a model.DriverAssignment) (model.TrackingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, a.ID)
	return model.TrackingSession{ID: "sess-" + a.ID, AssignmentID: a.ID}, nil
}

type fixture struct {
	eng      *Engine
	reg      *registry.Registry
	mem      *store.Memory
	clk      *clock.Mock
	notifier *fakeNotifier
	opener   *fakeOpener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := logger.NopLogger{}
	reg := registry.New(registry.Config{TTLMinutes: 60}, mem, mem.Reservations(), clk, nil, nil, log)
	eng := New(Config{MaxRetargets: 3}, reg, mem.Assignments(), clk, nil, nil, log)
	reg.SetCascade(eng)
	f := &fixture{eng: eng, reg: reg, mem: mem, clk: clk, notifier: &fakeNotifier{}, opener: &fakeOpener{}}
	eng.SetNotifier(f.notifier)
	eng.SetSessionOpener(f.opener)
	return f
}

func (f *fixture) broadcast(t *testing.T, trucks int) model.Broadcast {
	t.Helper()
	b, err := f.reg.Create(context.Background(), registry.CreateSpec{
		CustomerID:   "cust-1",
		Pickup:       model.GeoPoint{Lat: 19.0760, Lng: 72.8777},
		Drop:         model.GeoPoint{Lat: 18.5204, Lng: 73.8567},
		VehicleClass: model.ClassTruck14ft,
		TrucksNeeded: trucks,
	})
	require.NoError(t, err)
	return b
}

// resolve commits the state transition the notification dispatcher would
// have made before handing the outcome to the engine.
func (f *fixture) resolve(t *testing.T, assignmentID string, outcome model.AssignmentState) {
	t.Helper()
	ctx := context.Background()
	// Distinct resolution times keep replacement ordering deterministic.
	f.clk.Advance(time.Second)
	_, err := f.mem.Assignments().Update(ctx, assignmentID, func(a *model.DriverAssignment) error {
		a.State = outcome
		a.ResolvedAt = f.clk.Now()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.eng.HandleResolution(ctx, assignmentID, outcome))
}

func TestClaimCreatesOneAssignmentPerTruck(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 5)

	res, as, err := f.eng.Claim(context.Background(), ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        3,
		Candidates:    []string{"drv-1", "drv-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Active)
	require.Len(t, as, 3)

	assert.Equal(t, "drv-1", as[0].DriverID)
	assert.Equal(t, "drv-2", as[1].DriverID)
	assert.Empty(t, as[2].DriverID, "third slot has no candidate yet")
	for i, a := range as {
		assert.Equal(t, i, a.Slot)
		assert.Equal(t, model.AssignmentPendingNotify, a.State)
	}

	// Only bound slots enter the notify pipeline.
	assert.Equal(t, []string{"drv-1", "drv-2"}, f.notifier.drivers())
}

func TestClaimPropagatesCapacityConflict(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 2)

	_, _, err := f.eng.Claim(context.Background(), ClaimRequest{BroadcastID: b.ID, TransporterID: "tr-1", Trucks: 3})
	assert.True(t, fault.IsCapacityConflict(err))
	assert.Empty(t, f.notifier.drivers())
}

func TestAssignDriverBindsOnce(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 1)
	ctx := context.Background()

	_, as, err := f.eng.Claim(ctx, ClaimRequest{BroadcastID: b.ID, TransporterID: "tr-1", Trucks: 1})
	require.NoError(t, err)

	bound, err := f.eng.AssignDriver(ctx, as[0].ID, "drv-9")
	require.NoError(t, err)
	assert.Equal(t, "drv-9", bound.DriverID)
	assert.Equal(t, []string{"drv-9"}, f.notifier.drivers())

	_, err = f.eng.AssignDriver(ctx, as[0].ID, "drv-10")
	var already fault.AlreadyBound
	assert.ErrorAs(t, err, &already)

	_, err = f.eng.AssignDriver(ctx, as[0].ID, "")
	var verr fault.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAcceptOpensSessionAndConfirmsReservation(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 2)
	ctx := context.Background()

	res, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        2,
		Candidates:    []string{"drv-1", "drv-2"},
	})
	require.NoError(t, err)

	f.resolve(t, as[0].ID, model.AssignmentAccepted)
	assert.Equal(t, []string{as[0].ID}, f.opener.opened)

	rv, _ := f.reg.Reservation(ctx, res.ID)
	assert.Equal(t, model.ReservationPending, rv.Status, "one of two slots accepted")

	f.resolve(t, as[1].ID, model.AssignmentAccepted)
	rv, _ = f.reg.Reservation(ctx, res.ID)
	assert.Equal(t, model.ReservationConfirmed, rv.Status)
}

func TestDeclineRetargetsToNextCandidate(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 1)
	ctx := context.Background()

	res, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        1,
		Candidates:    []string{"drv-1", "drv-2", "drv-3"},
	})
	require.NoError(t, err)

	f.resolve(t, as[0].ID, model.AssignmentDeclined)

	// The replacement goes to the next unused candidate, on the same slot.
	assert.Equal(t, []string{"drv-1", "drv-2"}, f.notifier.drivers())
	siblings, err := f.mem.Assignments().ListByReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, siblings, 2)
	repl := siblings[1]
	assert.Equal(t, "drv-2", repl.DriverID)
	assert.Equal(t, as[0].Slot, repl.Slot)
	assert.Equal(t, 1, repl.Retarget)
	assert.Equal(t, as[0].ID, repl.ReplacementOf)

	// Capacity was handed back and re-taken: the broadcast stays filled.
	got, _ := f.reg.Get(ctx, b.ID)
	assert.Equal(t, 1, got.TrucksFilled)
}

func TestRetargetStopsWhenPoolExhausted(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 1)
	ctx := context.Background()

	_, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        1,
		Candidates:    []string{"drv-1"},
	})
	require.NoError(t, err)

	f.resolve(t, as[0].ID, model.AssignmentDeclined)

	assert.Equal(t, []string{"drv-1"}, f.notifier.drivers(), "no replacement without candidates")
	got, _ := f.reg.Get(ctx, b.ID)
	assert.Zero(t, got.TrucksFilled, "the slot goes back to the pool")
	assert.Equal(t, model.BroadcastActive, got.Status)
}

func TestRetargetLimit(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 1)
	ctx := context.Background()

	res, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        1,
		Candidates:    []string{"drv-1", "drv-2", "drv-3", "drv-4", "drv-5"},
	})
	require.NoError(t, err)

	// Burn through the retarget budget: initial offer plus two replacements.
	current := as[0].ID
	for i := 0; i < 2; i++ {
		f.resolve(t, current, model.AssignmentTimedOut)
		siblings, err := f.mem.Assignments().ListByReservation(ctx, res.ID)
		require.NoError(t, err)
		current = siblings[len(siblings)-1].ID
	}
	f.resolve(t, current, model.AssignmentTimedOut)

	// Three drivers were tried; the budget is spent despite drv-4 waiting.
	assert.Equal(t, []string{"drv-1", "drv-2", "drv-3"}, f.notifier.drivers())
	got, _ := f.reg.Get(ctx, b.ID)
	assert.Zero(t, got.TrucksFilled)
}

func TestRetargetLosesReacquireRace(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 1)
	ctx := context.Background()

	_, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        1,
		Candidates:    []string{"drv-1", "drv-2"},
	})
	require.NoError(t, err)

	// Commit the decline, release the slot, and let a rival grab it before
	// HandleResolution runs the retarget.
	_, err = f.mem.Assignments().Update(ctx, as[0].ID, func(a *model.DriverAssignment) error {
		a.State = model.AssignmentDeclined
		return nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, f.eng.HandleResolution(ctx, as[0].ID, model.AssignmentDeclined))
	}()
	<-done

	// Deterministic variant: release happened inside HandleResolution and
	// the retarget either won the slot back or reported it unfulfilled;
	// either way the counter invariant holds.
	got, _ := f.reg.Get(ctx, b.ID)
	assert.NoError(t, got.CheckCounters())
}

func TestExpiryReleasesPendingAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.reg.Create(ctx, registry.CreateSpec{
		CustomerID:   "cust-1",
		Pickup:       model.GeoPoint{Lat: 19.0760, Lng: 72.8777},
		Drop:         model.GeoPoint{Lat: 18.5204, Lng: 73.8567},
		VehicleClass: model.ClassTruck14ft,
		TrucksNeeded: 2,
		TTL:          10 * time.Minute,
	})
	require.NoError(t, err)

	res, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        2,
		Candidates:    []string{"drv-1", "drv-2"},
	})
	require.NoError(t, err)

	f.clk.Advance(11 * time.Minute)
	f.reg.Sweep(ctx)

	got, _ := f.reg.Get(ctx, b.ID)
	assert.Equal(t, model.BroadcastExpired, got.Status)
	for _, a := range as {
		stored, _ := f.eng.Assignment(ctx, a.ID)
		assert.Equal(t, model.AssignmentCancelled, stored.State)
		assert.Contains(t, f.notifier.cancelled, a.ID)
	}
	rv, _ := f.reg.Reservation(ctx, res.ID)
	assert.Zero(t, rv.Active)
	assert.Equal(t, model.ReservationReleased, rv.Status)
}

func TestReleaseBroadcastCancelsUnresolved(t *testing.T) {
	f := newFixture(t)
	b := f.broadcast(t, 3)
	ctx := context.Background()

	res, as, err := f.eng.Claim(ctx, ClaimRequest{
		BroadcastID:   b.ID,
		TransporterID: "tr-1",
		Trucks:        3,
		Candidates:    []string{"drv-1", "drv-2", "drv-3"},
	})
	require.NoError(t, err)

	// One slot accepted before the customer cancels; it must keep its state.
	f.resolve(t, as[0].ID, model.AssignmentAccepted)

	require.NoError(t, f.reg.Cancel(ctx, b.ID, "cust-1", "plans changed"))

	accepted, _ := f.eng.Assignment(ctx, as[0].ID)
	assert.Equal(t, model.AssignmentAccepted, accepted.State)
	for _, id := range []string{as[1].ID, as[2].ID} {
		a, _ := f.eng.Assignment(ctx, id)
		assert.Equal(t, model.AssignmentCancelled, a.State)
		assert.Contains(t, f.notifier.cancelled, id)
	}

	rv, _ := f.reg.Reservation(ctx, res.ID)
	assert.Equal(t, 1, rv.Active, "only the accepted slot is still held")
}
