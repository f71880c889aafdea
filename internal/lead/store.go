// Package lead stores the contact snapshots that workflow conditions and
// message personalization read.
package lead

import (
	"context"
	"fmt"
	"strings"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Store reads and writes lead snapshots scoped to a tenant.
type Store interface {
	GetLead(ctx context.Context, tenantID, leadID string) (model.LeadSnapshot, error)

	// UpsertLead creates or replaces a lead. A lead id already owned by
	// another tenant yields CONFLICT.
	UpsertLead(ctx context.Context, lead model.LeadSnapshot) (model.LeadSnapshot, error)

	HealthCheck(ctx context.Context) error
}

// Validate checks the fields every stored lead needs.
func Validate(lead model.LeadSnapshot) error {
	var details []model.FieldError
	if strings.TrimSpace(lead.ID) == "" {
		details = append(details, model.FieldError{Field: "id", Code: "REQUIRED", Message: "id is required"})
	}
	if lead.TenantID == "" {
		details = append(details, model.FieldError{Field: "tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if lead.Email != "" && !strings.Contains(lead.Email, "@") {
		details = append(details, model.FieldError{
			Field:   "email",
			Code:    "INVALID_FORMAT",
			Message: fmt.Sprintf("%q is not an email address", lead.Email),
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func normalize(lead model.LeadSnapshot) model.LeadSnapshot {
	if lead.Status == "" {
		lead.Status = "NEW"
	}
	if lead.Tags == nil {
		lead.Tags = []string{}
	}
	return lead
}
