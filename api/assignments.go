package api

import (
	"net/http"

	"github.com/kilianp07/freightd/core/model"
)

type responseBody struct {
	Decision string `json:"decision"`
}

// respondToAssignment funnels HTTP driver responses into the same
// idempotence point the MQTT path uses. A duplicate of an earlier
// resolution returns the current assignment with a 200, never an error.
func (h *Handler) respondToAssignment(w http.ResponseWriter, r *http.Request) {
	var body responseBody
	if !h.decode(w, r, &body) {
		return
	}
	decision, ok := model.ParseDecision(body.Decision)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "decision must be ACCEPT or DECLINE", Field: "decision"})
		return
	}
	a, err := h.dispatcher.OnResponse(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"assignment": a})
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func (h *Handler) assignDriver(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if !h.decode(w, r, &body) {
		return
	}
	a, err := h.engine.AssignDriver(r.Context(), r.PathValue("id"), body.DriverID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"assignment": a})
}
