package model

import (
	"context"
	"slices"
	"strings"
)

// Principal is the authenticated operator behind an API call. It is built
// once per request from verified token claims and never mutated.
type Principal struct {
	SubjectID     string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// Check returns an UNAUTHORIZED error naming the identity claims the
// principal lacks. Every operator call is tenant-scoped, so a token without
// a tenant is as useless as one without a subject.
func (p *Principal) Check() error {
	var missing []string
	if p.SubjectID == "" {
		missing = append(missing, "sub")
	}
	if p.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if len(missing) == 0 {
		return nil
	}
	return NewUnauthorizedError("token is missing " + strings.Join(missing, " and "))
}

// HasRole reports whether the token granted role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

type principalKey struct{}

// WithPrincipal returns a child context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
