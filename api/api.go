// Package api exposes the dispatch core over HTTP. Handlers decode, call
// the core and map typed faults to status codes; all business rules live
// below this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kilianp07/freightd/core/allocation"
	"github.com/kilianp07/freightd/core/fault"
	"github.com/kilianp07/freightd/core/geo"
	"github.com/kilianp07/freightd/core/logger"
	"github.com/kilianp07/freightd/core/notify"
	"github.com/kilianp07/freightd/core/registry"
	"github.com/kilianp07/freightd/core/tracking"
	"github.com/kilianp07/freightd/infra/audit"
)

// Handler bundles the core components the HTTP surface fronts.
type Handler struct {
	registry   *registry.Registry
	engine     *allocation.Engine
	dispatcher *notify.Dispatcher
	stream     *tracking.Stream
	supply     *geo.GridIndex
	audit      *audit.JSONLStore
	log        logger.Logger
}

// New creates the Handler. supply and audit may be nil when availability
// registration or the audit trail are disabled.
func New(reg *registry.Registry, eng *allocation.Engine, disp *notify.Dispatcher, stream *tracking.Stream, supply *geo.GridIndex, auditStore *audit.JSONLStore, log logger.Logger) *Handler {
	return &Handler{
		registry:   reg,
		engine:     eng,
		dispatcher: disp,
		stream:     stream,
		supply:     supply,
		audit:      auditStore,
		log:        log,
	}
}

// Mux returns the routed HTTP handler.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/broadcasts", h.createBroadcast)
	mux.HandleFunc("GET /api/broadcasts", h.listBroadcasts)
	mux.HandleFunc("GET /api/broadcasts/{id}", h.getBroadcast)
	mux.HandleFunc("POST /api/broadcasts/{id}/claims", h.claimTrucks)
	mux.HandleFunc("POST /api/broadcasts/{id}/cancel", h.cancelBroadcast)
	mux.HandleFunc("POST /api/assignments/{id}/response", h.respondToAssignment)
	mux.HandleFunc("POST /api/assignments/{id}/driver", h.assignDriver)
	mux.HandleFunc("POST /api/sessions/{id}/positions", h.reportPosition)
	mux.HandleFunc("GET /api/sessions/{id}", h.getLiveStatus)
	mux.HandleFunc("GET /api/sessions/{id}/history", h.getHistory)
	mux.HandleFunc("POST /api/sessions/{id}/state", h.advanceTripState)
	mux.HandleFunc("PUT /api/transporters/{id}/availability", h.upsertAvailability)
	mux.HandleFunc("DELETE /api/transporters/{id}/availability", h.removeAvailability)
	mux.HandleFunc("GET /api/audit", h.queryAudit)
	return mux
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Errorf("encode response: %v", err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Remaining int    `json:"remaining,omitempty"`
}

// writeFault maps core fault types onto HTTP status codes.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	var verr fault.ValidationError
	if errors.As(err, &verr) {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
		return
	}
	var nf fault.NotFound
	if errors.As(err, &nf) {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: nf.Error()})
		return
	}
	var cc fault.CapacityConflict
	if errors.As(err, &cc) {
		h.writeJSON(w, http.StatusConflict, errorBody{Error: cc.Error(), Remaining: cc.Remaining})
		return
	}
	var ab fault.AlreadyBound
	if errors.As(err, &ab) {
		h.writeJSON(w, http.StatusConflict, errorBody{Error: ab.Error()})
		return
	}
	var et fault.ExpiredOrTerminal
	if errors.As(err, &et) {
		h.writeJSON(w, http.StatusGone, errorBody{Error: et.Error()})
		return
	}
	var corrupted fault.Corrupted
	if errors.As(err, &corrupted) {
		h.writeJSON(w, http.StatusConflict, errorBody{Error: corrupted.Error()})
		return
	}
	h.log.Errorf("internal error: %v", err)
	h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
