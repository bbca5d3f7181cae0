package api

import (
	"net/http"
	"time"

	"github.com/kilianp07/freightd/infra/audit"
)

// queryAudit exposes the dispatch event trail via GET /api/audit.
func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "audit trail disabled"})
		return
	}
	q := audit.Query{
		Kind:        r.URL.Query().Get("kind"),
		BroadcastID: r.URL.Query().Get("broadcast_id"),
	}
	if s := r.URL.Query().Get("start"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			q.Start = t
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			q.End = t
		}
	}
	records, err := h.audit.Query(r.Context(), q)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
