package api

import (
	"net/http"
	"time"

	"github.com/kilianp07/freightd/core/model"
)

type positionBody struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Sequence    uint64  `json:"sequence"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// reportPosition ingests one GPS fix. Out-of-order fixes are dropped
// silently; the response reports whether the fix was accepted.
func (h *Handler) reportPosition(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if !h.decode(w, r, &body) {
		return
	}
	pos := model.Position{Lat: body.Lat, Lng: body.Lng, Sequence: body.Sequence}
	if body.TimestampMS > 0 {
		pos.Timestamp = time.UnixMilli(body.TimestampMS)
	}
	accepted, err := h.stream.Ingest(r.Context(), r.PathValue("id"), pos)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted, "sequence": body.Sequence})
}

func (h *Handler) getLiveStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.stream.Live(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.stream.Live(r.Context(), id); err != nil {
		h.writeFault(w, err)
		return
	}
	positions, err := h.stream.History(r.Context(), id)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

type stateBody struct {
	State string `json:"state"`
}

func (h *Handler) advanceTripState(w http.ResponseWriter, r *http.Request) {
	var body stateBody
	if !h.decode(w, r, &body) {
		return
	}
	next, ok := model.ParseTripState(body.State)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown trip state", Field: "state"})
		return
	}
	sess, err := h.stream.Advance(r.Context(), r.PathValue("id"), next)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}
