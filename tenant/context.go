// Package tenant provides tenant isolation primitives for the multi-tenant
// entity processing framework: a context-propagated tenant identifier, a
// bounded FIFO tenant cache, and a Registry abstraction over tenant
// metadata storage.
//
// The upstream Python implementation this module was translated from
// carried the current tenant in thread-local storage with an explicit
// tenant_context contextmanager to push/pop it. Go's idiomatic analogue
// of "push a value for the duration of a scope, restore it afterward" is
// context.Context — a child context created with WithTenant never
// mutates its parent, so the "pop" happens automatically when the scope
// that created the child context ends. All tenant-aware code should
// therefore take a context.Context and call TenantID(ctx) rather than
// reach for any form of goroutine-local storage.
package tenant

import (
	"context"
	"errors"
	"strings"
)

// ErrNoTenant is returned when an operation that requires a tenant is
// invoked against a context that carries none.
var ErrNoTenant = errors.New("no tenant id set in context")

type contextKey struct{}

var tenantKey = contextKey{}

// WithTenant returns a new context carrying tenantID. It returns an error
// if tenantID is empty or all whitespace, matching set_current_tenant's
// validation.
func WithTenant(ctx context.Context, tenantID string) (context.Context, error) {
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" {
		return ctx, errors.New("tenant_id must be a non-empty string")
	}
	return context.WithValue(ctx, tenantKey, trimmed), nil
}

// MustWithTenant is WithTenant for callers that already know tenantID is
// valid (e.g. it came from a validated Message); it panics otherwise.
func MustWithTenant(ctx context.Context, tenantID string) context.Context {
	out, err := WithTenant(ctx, tenantID)
	if err != nil {
		panic(err)
	}
	return out
}

// TenantID returns the tenant id carried by ctx, and whether one was set.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantKey).(string)
	return v, ok
}

// RequireTenantID returns the tenant id carried by ctx, or ErrNoTenant.
// This is the Go collapse of the @tenant_aware decorator: call it at the
// top of any method that must not run without tenant isolation.
func RequireTenantID(ctx context.Context) (string, error) {
	id, ok := TenantID(ctx)
	if !ok || id == "" {
		return "", ErrNoTenant
	}
	return id, nil
}
