// Package pricing holds the injected fare function used to annotate
// broadcast listings. The real fare engine is an external collaborator;
// TariffTable is the default used when none is configured.
package pricing

import "github.com/kilianp07/freightd/core/model"

// Quoter estimates a fare for a trip of the given distance and class.
type Quoter interface {
	Quote(distanceKm float64, class model.VehicleClass, urgent bool) float64
}

// TariffTable quotes fares from per-class base and per-km rates.
type TariffTable struct {
	Base          map[model.VehicleClass]float64
	PerKm         map[model.VehicleClass]float64
	UrgencyFactor float64
}

// DefaultTariffs returns a table with placeholder rates.
func DefaultTariffs() TariffTable {
	return TariffTable{
		Base: map[model.VehicleClass]float64{
			model.ClassLCV:       300,
			model.ClassTruck14ft: 800,
			model.ClassTruck20ft: 1200,
			model.ClassTrailer:   2000,
			model.ClassContainer: 2500,
		},
		PerKm: map[model.VehicleClass]float64{
			model.ClassLCV:       18,
			model.ClassTruck14ft: 32,
			model.ClassTruck20ft: 45,
			model.ClassTrailer:   60,
			model.ClassContainer: 70,
		},
		UrgencyFactor: 1.25,
	}
}

// Quote implements Quoter.
func (t TariffTable) Quote(distanceKm float64, class model.VehicleClass, urgent bool) float64 {
	fare := t.Base[class] + t.PerKm[class]*distanceKm
	if urgent && t.UrgencyFactor > 0 {
		fare *= t.UrgencyFactor
	}
	return fare
}
