package api

import (
	"net/http"
	"strconv"

	"github.com/kilianp07/freightd/core/allocation"
	"github.com/kilianp07/freightd/core/model"
	"github.com/kilianp07/freightd/core/registry"
)

func (h *Handler) createBroadcast(w http.ResponseWriter, r *http.Request) {
	var spec registry.CreateSpec
	if !h.decode(w, r, &spec) {
		return
	}
	b, err := h.registry.Create(r.Context(), spec)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"broadcast": b})
}

func (h *Handler) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	f := registry.ListFilter{
		VehicleClass: model.VehicleClass(r.URL.Query().Get("vehicle_class")),
	}
	latStr, lngStr := r.URL.Query().Get("lat"), r.URL.Query().Get("lng")
	if latStr != "" && lngStr != "" {
		lat, latErr := strconv.ParseFloat(latStr, 64)
		lng, lngErr := strconv.ParseFloat(lngStr, 64)
		if latErr != nil || lngErr != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "lat and lng must be numbers"})
			return
		}
		f.CallerLocation = &model.GeoPoint{Lat: lat, Lng: lng}
	}
	summaries, err := h.registry.List(r.Context(), f)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if summaries == nil {
		summaries = []registry.Summary{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"broadcasts": summaries})
}

func (h *Handler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"broadcast": b})
}

type claimBody struct {
	TransporterID string   `json:"transporter_id"`
	Trucks        int      `json:"trucks"`
	Candidates    []string `json:"candidates,omitempty"`
}

func (h *Handler) claimTrucks(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !h.decode(w, r, &body) {
		return
	}
	res, assignments, err := h.engine.Claim(r.Context(), allocation.ClaimRequest{
		BroadcastID:   r.PathValue("id"),
		TransporterID: body.TransporterID,
		Trucks:        body.Trucks,
		Candidates:    body.Candidates,
	})
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if assignments == nil {
		assignments = []model.DriverAssignment{}
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"reservation": res,
		"assignments": assignments,
	})
}

type cancelBody struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *Handler) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !h.decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := h.registry.Cancel(r.Context(), id, body.Actor, body.Reason); err != nil {
		h.writeFault(w, err)
		return
	}
	b, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"broadcast": b})
}
