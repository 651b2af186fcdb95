package entity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/tenant"
)

// MemoryRepository is an in-process Repository implementation. It exists
// for unit tests of ProcessingService/ProcessorHandler that should not
// need a live Postgres instance, and mirrors the control flow of the
// Postgres-backed repository in db/repository closely enough that
// behavior verified against it also holds there.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Entity // by id
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Entity)}
}

func cloneEntity(e *Entity) *Entity {
	c := *e
	c.Attributes = make(map[string]interface{}, len(e.Attributes))
	for k, v := range e.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

func (r *MemoryRepository) Create(ctx context.Context, in CreateInput) (*Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if in.CanonicalType == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "entity_create", "canonical_type is required")
	}

	now := time.Now().UTC()
	e := &Entity{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ExternalID:    in.ExternalID,
		CanonicalType: in.CanonicalType,
		Source:        in.Source,
		Version:       1,
		ContentHash:   in.ContentHash,
		Attributes:    copyAttrs(in.Attributes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.TenantID == tenantID && existing.Source == in.Source && existing.ExternalID == in.ExternalID && existing.Version == 1 {
			return nil, apierrors.Duplicate("entity_create", in.ExternalID, "entity already exists for (tenant, source, external_id, version)")
		}
	}
	r.rows[e.ID] = e
	return cloneEntity(e), nil
}

func (r *MemoryRepository) CreateNewVersion(ctx context.Context, externalID, source, contentHash, canonicalType string, attributes map[string]interface{}) (*Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	maxVersion, latest := r.latestLocked(tenantID, externalID, source)
	if maxVersion == 0 && canonicalType == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "entity_create_new_version", "canonical_type is required for a brand new entity")
	}
	if canonicalType == "" && latest != nil {
		canonicalType = latest.CanonicalType
	}

	now := time.Now().UTC()
	attrs := map[string]interface{}{}
	if latest != nil {
		for k, v := range latest.Attributes {
			attrs[k] = v
		}
	}
	for k, v := range attributes {
		attrs[k] = v
	}

	e := &Entity{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ExternalID:    externalID,
		CanonicalType: canonicalType,
		Source:        source,
		Version:       maxVersion + 1,
		ContentHash:   contentHash,
		Attributes:    attrs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.rows[e.ID] = e
	return cloneEntity(e), nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	return cloneEntity(e), nil
}

func (r *MemoryRepository) RequireByID(ctx context.Context, id string) (*Entity, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apierrors.NotFound("entity_require_by_id", id)
	}
	return e, nil
}

func (r *MemoryRepository) GetByExternalID(ctx context.Context, externalID, source string, version *int, allVersions bool) ([]*Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []*Entity
	for _, e := range r.rows {
		if e.TenantID == tenantID && e.ExternalID == externalID && e.Source == source {
			matches = append(matches, e)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Version < matches[j].Version })

	if allVersions {
		return cloneAll(matches), nil
	}
	if version != nil {
		for _, e := range matches {
			if e.Version == *version {
				return []*Entity{cloneEntity(e)}, nil
			}
		}
		return nil, nil
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return []*Entity{cloneEntity(matches[len(matches)-1])}, nil
}

func (r *MemoryRepository) RequireByExternalID(ctx context.Context, externalID, source string) (*Entity, error) {
	res, err := r.GetByExternalID(ctx, externalID, source, nil, false)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, apierrors.NotFound("entity_require_by_external_id", externalID)
	}
	return res[0], nil
}

func (r *MemoryRepository) GetByContentHash(ctx context.Context, source, contentHash string) (*Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.TenantID == tenantID && e.Source == source && e.ContentHash == contentHash {
			return cloneEntity(e), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetMaxVersion(ctx context.Context, externalID, source string) (int, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := r.latestLocked(tenantID, externalID, source)
	return v, nil
}

// latestLocked must be called with r.mu held.
func (r *MemoryRepository) latestLocked(tenantID, externalID, source string) (int, *Entity) {
	max := 0
	var latest *Entity
	for _, e := range r.rows {
		if e.TenantID == tenantID && e.ExternalID == externalID && e.Source == source && e.Version > max {
			max = e.Version
			latest = e
		}
	}
	return max, latest
}

func (r *MemoryRepository) UpdateAttributes(ctx context.Context, id string, attrs map[string]interface{}) (*Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.TenantID != tenantID {
		return nil, apierrors.NotFound("entity_update_attributes", id)
	}
	for k, v := range attrs {
		e.Attributes[k] = v
	}
	e.UpdatedAt = time.Now().UTC()
	return cloneEntity(e), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string, softDelete bool) error {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[id]
	if !ok || e.TenantID != tenantID {
		return apierrors.NotFound("entity_delete", id)
	}
	delete(r.rows, id)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter, limit, offset int) ([]*Entity, int, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, 0, err
	}
	r.mu.Lock()
	var matches []*Entity
	for _, e := range r.rows {
		if e.TenantID != tenantID {
			continue
		}
		if filter.ExternalID != "" && e.ExternalID != filter.ExternalID {
			continue
		}
		if filter.CanonicalType != "" && e.CanonicalType != filter.CanonicalType {
			continue
		}
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if filter.ContentHash != "" && e.ContentHash != filter.ContentHash {
			continue
		}
		if filter.CreatedAfter != nil && !e.CreatedAt.After(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !e.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		if filter.UpdatedAfter != nil && !e.UpdatedAt.After(*filter.UpdatedAfter) {
			continue
		}
		if filter.UpdatedBefore != nil && !e.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		matches = append(matches, e)
	}
	r.mu.Unlock()

	total := len(matches)
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt.After(matches[j].UpdatedAt) })

	if offset >= len(matches) {
		return nil, total, nil
	}
	matches = matches[offset:]
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return cloneAll(matches), total, nil
}

func (r *MemoryRepository) Iterate(ctx context.Context, filter Filter, batchSize int, fn func([]*Entity) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	offset := 0
	for {
		batch, _, err := r.List(ctx, filter, batchSize, offset)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		offset += len(batch)
	}
}

func copyAttrs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAll(in []*Entity) []*Entity {
	out := make([]*Entity, len(in))
	for i, e := range in {
		out[i] = cloneEntity(e)
	}
	return out
}
