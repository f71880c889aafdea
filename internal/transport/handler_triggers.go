package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// handleTrigger enrolls a lead synchronously. Per-workflow failures are
// reported in the outcomes with a 200; only a failure before any workflow
// was tried is an error response.
func handleTrigger(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		var ev model.TriggerEvent
		if err := decodeJSON(r, &ev, false); err != nil {
			WriteError(w, err)
			return
		}
		ev.TenantID = caller.TenantID

		outcomes, err := engine.ProcessTrigger(r.Context(), ev)
		if err != nil {
			if outcomes == nil {
				WriteError(w, err)
				return
			}
			observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("trigger partially failed", zap.Error(err))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
	}
}

// handleScan runs one due-work scan on demand.
func handleScan(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principal(w, r); !ok {
			return
		}
		report, err := engine.RunDueScan(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
