package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

func handleEnrollmentList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		filter := model.EnrollmentFilter{
			WorkflowID: q.Get("workflow_id"),
			LeadID:     q.Get("lead_id"),
			Status:     model.EnrollmentStatus(q.Get("status")),
			Page:       queryInt(r, "page", 1),
			PageSize:   queryInt(r, "page_size", 20),
		}

		enrollments, total, err := engine.ListEnrollments(r.Context(), caller.TenantID, filter)
		if err != nil {
			WriteError(w, err)
			return
		}
		if enrollments == nil {
			enrollments = []model.Enrollment{}
		}
		WriteJSON(w, http.StatusOK, pageBody[model.Enrollment]{
			Data:       enrollments,
			TotalCount: total,
			Page:       filter.Page,
			PageSize:   filter.PageSize,
		})
	}
}

func handleEnrollmentGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		enr, err := engine.GetEnrollment(r.Context(), caller.TenantID, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		messages, err := engine.ListDispatches(r.Context(), caller.TenantID, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"enrollment": enr,
			"messages":   messages,
		})
	}
}

func handleEnrollmentHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := engine.GetEnrollment(r.Context(), caller.TenantID, id); err != nil {
			WriteError(w, err)
			return
		}
		events, err := engine.History(r.Context(), caller.TenantID, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeList(w, events)
	}
}

// enrollmentCommand is an operator command on one enrollment, such as
// Engine.CancelEnrollment.
type enrollmentCommand func(ctx context.Context, tenantID, id, actorID string) (model.Enrollment, error)

func handleEnrollmentCommand(cmd enrollmentCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		enr, err := cmd(r.Context(), caller.TenantID, chi.URLParam(r, "id"), caller.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, enr)
	}
}
