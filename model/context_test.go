package model

import (
	"context"
	"strings"
	"testing"
)

func TestPrincipal_Check(t *testing.T) {
	tests := []struct {
		name string
		p    Principal
		want string
	}{
		{"complete", Principal{SubjectID: "user-approver", TenantID: "acme"}, ""},
		{"no subject", Principal{TenantID: "acme"}, "missing sub"},
		{"no tenant", Principal{SubjectID: "user-approver"}, "missing tenant_id"},
		{"neither", Principal{}, "missing sub and tenant_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Check()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Check() = %v", err)
				}
				return
			}
			if CodeOf(err) != ErrUnauthorized || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Check() = %v, want UNAUTHORIZED containing %q", err, tt.want)
			}
		})
	}
}

func TestPrincipal_HasRole(t *testing.T) {
	p := &Principal{Roles: []string{"campaign_operator", "campaign_approver"}}
	if !p.HasRole("campaign_approver") || p.HasRole("admin") {
		t.Errorf("HasRole() wrong for roles %v", p.Roles)
	}
}

func TestPrincipalContext(t *testing.T) {
	if PrincipalFrom(context.Background()) != nil {
		t.Error("empty context returned a principal")
	}
	p := &Principal{SubjectID: "u", TenantID: "acme"}
	if got := PrincipalFrom(WithPrincipal(context.Background(), p)); got != p {
		t.Errorf("PrincipalFrom() = %v, want %v", got, p)
	}
}
