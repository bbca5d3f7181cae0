package api

import (
	"net/http"

	"github.com/kilianp07/freightd/core/geo"
	"github.com/kilianp07/freightd/core/model"
)

type availabilityBody struct {
	Lat     float64              `json:"lat"`
	Lng     float64              `json:"lng"`
	Classes []model.VehicleClass `json:"classes,omitempty"`
}

// upsertAvailability registers a transporter's current location and fleet
// classes in the supply index used for candidate alerting.
func (h *Handler) upsertAvailability(w http.ResponseWriter, r *http.Request) {
	if h.supply == nil {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "availability registration disabled"})
		return
	}
	var body availabilityBody
	if !h.decode(w, r, &body) {
		return
	}
	loc := model.GeoPoint{Lat: body.Lat, Lng: body.Lng}
	if err := loc.Validate(); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	for _, c := range body.Classes {
		if !model.KnownVehicleClass(c) {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown vehicle class " + string(c), Field: "classes"})
			return
		}
	}
	id := r.PathValue("id")
	h.supply.Upsert(geo.Candidate{ID: id, Location: loc, Classes: body.Classes})
	h.writeJSON(w, http.StatusOK, map[string]any{"transporter_id": id, "registered": true})
}

func (h *Handler) removeAvailability(w http.ResponseWriter, r *http.Request) {
	if h.supply == nil {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "availability registration disabled"})
		return
	}
	id := r.PathValue("id")
	h.supply.Remove(id)
	h.writeJSON(w, http.StatusOK, map[string]any{"transporter_id": id, "registered": false})
}
