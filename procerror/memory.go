package procerror

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/tenant"
)

// MemoryLedger is an in-process Ledger for tests, mirroring the pattern
// used by entity.MemoryRepository and ledger.MemoryLedger.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]ProcessingError // by id
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[string]ProcessingError)}
}

func (l *MemoryLedger) RecordError(ctx context.Context, in RecordInput) (string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return "", err
	}
	if in.EntityID == "" {
		return "", apierrors.New(apierrors.CodeValidationFailed, "record_error", "entity_id is required")
	}

	e := ProcessingError{
		ID:             uuid.NewString(),
		EntityID:       in.EntityID,
		TenantID:       tenantID,
		ErrorTypeCode:  in.ErrorTypeCode,
		Message:        in.Message,
		ProcessingStep: in.ProcessingStep,
		StackTrace:     in.StackTrace,
		CreatedAt:      time.Now().UTC(),
	}

	l.mu.Lock()
	l.rows[e.ID] = e
	l.mu.Unlock()
	return e.ID, nil
}

func (l *MemoryLedger) FindByEntityID(ctx context.Context, entityID string) ([]ProcessingError, error) {
	return l.GetByFilter(ctx, Filter{EntityID: entityID})
}

func (l *MemoryLedger) GetByFilter(ctx context.Context, filter Filter) ([]ProcessingError, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ProcessingError
	for _, e := range l.rows {
		if e.TenantID != tenantID {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.ErrorTypeCode != "" && e.ErrorTypeCode != filter.ErrorTypeCode {
			continue
		}
		if filter.ProcessingStep != "" && e.ProcessingStep != filter.ProcessingStep {
			continue
		}
		if filter.CreatedAfter != nil && e.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && e.CreatedAt.After(*filter.CreatedBefore) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLedger) Delete(ctx context.Context, id string) error {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rows[id]
	if !ok || e.TenantID != tenantID {
		return apierrors.NotFound("processing_error_delete", id)
	}
	delete(l.rows, id)
	return nil
}

func (l *MemoryLedger) DeleteByEntityID(ctx context.Context, entityID string) (int, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, e := range l.rows {
		if e.TenantID == tenantID && e.EntityID == entityID {
			delete(l.rows, id)
			n++
		}
	}
	return n, nil
}
