// Package geo answers "which supply candidates sit within radius R of
// point P" for candidate alerting and distance computation.
package geo

import (
	"math"
	"sync"

	"github.com/kilianp07/freightd/core/model"
)

// Candidate is one registered unit of supply: a transporter (or depot)
// location together with the vehicle classes it can field.
type Candidate struct {
	ID       string
	Location model.GeoPoint
	Classes  []model.VehicleClass
}

// serves reports whether the candidate can field the requested class. An
// empty class list means all classes.
func (c Candidate) serves(class model.VehicleClass) bool {
	if len(c.Classes) == 0 {
		return true
	}
	for _, cl := range c.Classes {
		if cl == class {
			return true
		}
	}
	return false
}

// Index is the spatial lookup consumed by the registry layer.
type Index interface {
	Query(p model.GeoPoint, radiusKm float64, class model.VehicleClass) []Candidate
}

// degrees of latitude per kilometer, used to size the bucket scan.
const kmPerDegree = 111.0

// GridIndex buckets candidates into fixed-size degree cells and scans the
// cell neighborhood covering the query radius.
type GridIndex struct {
	mu      sync.RWMutex
	cellDeg float64
	cells   map[cellKey]map[string]Candidate
	byID    map[string]cellKey
}

type cellKey struct{ latIdx, lngIdx int }

// NewGridIndex creates an index with 0.1 degree cells (roughly 11 km).
func NewGridIndex() *GridIndex {
	return &GridIndex{
		cellDeg: 0.1,
		cells:   make(map[cellKey]map[string]Candidate),
		byID:    make(map[string]cellKey),
	}
}

func (g *GridIndex) key(p model.GeoPoint) cellKey {
	return cellKey{
		latIdx: int(math.Floor(p.Lat / g.cellDeg)),
		lngIdx: int(math.Floor(p.Lng / g.cellDeg)),
	}
}

// Upsert registers or moves a candidate.
func (g *GridIndex) Upsert(c Candidate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.byID[c.ID]; ok {
		delete(g.cells[old], c.ID)
	}
	k := g.key(c.Location)
	if g.cells[k] == nil {
		g.cells[k] = make(map[string]Candidate)
	}
	g.cells[k][c.ID] = c
	g.byID[c.ID] = k
}

// Remove drops a candidate from the index.
func (g *GridIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k, ok := g.byID[id]; ok {
		delete(g.cells[k], id)
		delete(g.byID, id)
	}
}

// Query returns every candidate within radiusKm of p that can field the
// requested vehicle class.
func (g *GridIndex) Query(p model.GeoPoint, radiusKm float64, class model.VehicleClass) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	span := int(math.Ceil(radiusKm/kmPerDegree/g.cellDeg)) + 1
	center := g.key(p)
	var out []Candidate
	for dy := -span; dy <= span; dy++ {
		for dx := -span; dx <= span; dx++ {
			cell := g.cells[cellKey{center.latIdx + dy, center.lngIdx + dx}]
			for _, c := range cell {
				if !c.serves(class) {
					continue
				}
				if p.DistanceKm(c.Location) <= radiusKm {
					out = append(out, c)
				}
			}
		}
	}
	return out
}
