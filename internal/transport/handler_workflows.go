package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// principal returns the authenticated operator or writes a 401.
func principal(w http.ResponseWriter, r *http.Request) (*model.Principal, bool) {
	caller := model.PrincipalFrom(r.Context())
	if caller == nil {
		WriteError(w, model.NewUnauthorizedError("missing operator identity"))
		return nil, false
	}
	return caller, true
}

func handleWorkflowCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def, false); err != nil {
			WriteError(w, err)
			return
		}
		def.TenantID = caller.TenantID

		created, err := engine.CreateWorkflow(r.Context(), def)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleWorkflowUpdate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def, false); err != nil {
			WriteError(w, err)
			return
		}
		def.ID = chi.URLParam(r, "id")
		def.TenantID = caller.TenantID

		updated, err := engine.UpdateWorkflow(r.Context(), def)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		def, err := engine.GetWorkflow(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		defs, err := engine.ListWorkflows(r.Context(), caller.TenantID)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeList(w, defs)
	}
}

func handleWorkflowActivate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		def, err := engine.ActivateWorkflow(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleWorkflowPause(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		def, err := engine.PauseWorkflow(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleWorkflowCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		result, err := engine.CancelWorkflow(r.Context(), caller.TenantID, chi.URLParam(r, "id"), caller.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleWorkflowSummary(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		summary, err := engine.Summary(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}
