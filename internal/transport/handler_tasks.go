package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
)

func handleTaskList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		tasks, err := engine.ListTasks(r.Context(), caller.TenantID)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeList(w, tasks)
	}
}

func handleTaskApprove(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		var body struct {
			Notes string `json:"notes"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		decision, err := engine.Approve(r.Context(), caller.TenantID, chi.URLParam(r, "id"), caller.SubjectID, body.Notes)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, decision)
	}
}

func handleTaskReject(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		var body struct {
			Notes         string `json:"notes"`
			PauseWorkflow bool   `json:"pause_workflow"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		decision, err := engine.Reject(r.Context(), caller.TenantID, chi.URLParam(r, "id"), caller.SubjectID, body.Notes, body.PauseWorkflow)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, decision)
	}
}
