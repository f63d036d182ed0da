package core

import (
	"context"
	"strings"
)

type organizationContextKey struct{}

// WithOrganization stores the submitting organization in ctx. Ledger entries
// appended under ctx are attributed to it.
func WithOrganization(ctx context.Context, organizationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, organizationContextKey{}, strings.TrimSpace(organizationID))
}

// OrganizationFromContext returns the organization stored in ctx.
func OrganizationFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(organizationContextKey{}).(string)
	return value
}

// organizationFor resolves the organization for a submission, falling back
// to the acting party when the caller supplied none.
func organizationFor(ctx context.Context, actor string) string {
	if org := OrganizationFromContext(ctx); org != "" {
		return org
	}
	return strings.TrimSpace(actor)
}
