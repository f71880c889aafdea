package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soshogle/nexrel-crm-sub028/internal/lead"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// handleLeadPut syncs a lead snapshot from the CRM so conditions and
// personalization see current data.
func handleLeadPut(leads lead.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		var snapshot model.LeadSnapshot
		if err := decodeJSON(r, &snapshot, false); err != nil {
			WriteError(w, err)
			return
		}
		snapshot.ID = chi.URLParam(r, "id")
		snapshot.TenantID = caller.TenantID

		stored, err := leads.UpsertLead(r.Context(), snapshot)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stored)
	}
}

func handleLeadGet(leads lead.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		snapshot, err := leads.GetLead(r.Context(), caller.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snapshot)
	}
}
