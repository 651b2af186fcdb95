// Package procerror implements the processing-error ledger: a record of
// every failure a processor reported for an entity, kept separately
// from the state-transition ledger so operators can query failures
// without wading through successful transitions.
package procerror

import (
	"context"
	"time"
)

// ProcessingError is one recorded failure.
type ProcessingError struct {
	ID              string
	EntityID        string
	TenantID        string
	ErrorTypeCode   string
	Message         string
	ProcessingStep  string
	StackTrace      string
	CreatedAt       time.Time
}

// RecordInput carries the arguments to RecordError.
type RecordInput struct {
	EntityID       string
	ErrorTypeCode  string
	Message        string
	ProcessingStep string
	StackTrace     string
}

// Filter scopes GetByFilter. Zero-value fields are not applied.
type Filter struct {
	EntityID       string
	ErrorTypeCode  string
	ProcessingStep string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
}

// Ledger is the processing-error store. Every method is scoped to the
// tenant carried on ctx.
type Ledger interface {
	RecordError(ctx context.Context, in RecordInput) (string, error)
	FindByEntityID(ctx context.Context, entityID string) ([]ProcessingError, error)
	GetByFilter(ctx context.Context, filter Filter) ([]ProcessingError, error)
	Delete(ctx context.Context, id string) error
	DeleteByEntityID(ctx context.Context, entityID string) (int, error)
}
