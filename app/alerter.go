package app

import (
	"context"

	"github.com/kilianp07/freightd/core/events"
	"github.com/kilianp07/freightd/core/geo"
	"github.com/kilianp07/freightd/core/logger"
	"github.com/kilianp07/freightd/internal/eventbus"
)

// alertRadiusKm bounds how far from the pickup a transporter may sit and
// still be worth waking up.
const alertRadiusKm = 50.0

// Alerter watches broadcast creation and surfaces the registered supply
// candidates near the pickup that can field the requested class.
type Alerter struct {
	supply *geo.GridIndex
	bus    eventbus.EventBus
	log    logger.Logger
}

// NewAlerter wires an Alerter to the supply index and bus.
func NewAlerter(supply *geo.GridIndex, bus eventbus.EventBus, log logger.Logger) *Alerter {
	return &Alerter{supply: supply, bus: bus, log: log}
}

// Run consumes bus events until the bus closes or ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) {
	sub := a.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			a.bus.Unsubscribe(sub)
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			created, ok := ev.(events.BroadcastCreated)
			if !ok {
				continue
			}
			b := created.Broadcast
			candidates := a.supply.Query(b.Pickup, alertRadiusKm, b.VehicleClass)
			if len(candidates) == 0 {
				a.log.Warnf("broadcast %s: no registered supply within %.0f km of pickup", b.ID, alertRadiusKm)
				continue
			}
			ids := make([]string, 0, len(candidates))
			for _, c := range candidates {
				ids = append(ids, c.ID)
			}
			a.log.Infof("broadcast %s (%s): alerting %d transporters: %v", b.ID, b.VehicleClass, len(ids), ids)
		}
	}
}
