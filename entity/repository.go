package entity

import "context"

// Repository is the storage-agnostic entity persistence boundary.
// Implementations must apply tenant isolation from ctx (see package
// tenant) on every method; the in-memory implementation in this package
// and the Postgres implementation in db/repository both do so by calling
// tenant.RequireTenantID before touching storage.
type Repository interface {
	// Create inserts the first version (version 1) of a new entity.
	Create(ctx context.Context, in CreateInput) (*Entity, error)

	// CreateNewVersion inserts the next version of an existing
	// (tenant_id, external_id, source) entity, inheriting canonical_type
	// from the latest version. Fails with apierrors.CodeValidationFailed
	// if no prior version exists and canonicalType is empty.
	CreateNewVersion(ctx context.Context, externalID, source, contentHash, canonicalType string, attributes map[string]interface{}) (*Entity, error)

	// GetByID returns the entity with id, or nil if not found.
	GetByID(ctx context.Context, id string) (*Entity, error)

	// RequireByID is GetByID but returns apierrors.CodeNotFound instead
	// of a nil result.
	RequireByID(ctx context.Context, id string) (*Entity, error)

	// GetByExternalID resolves an entity by its external identity. When
	// version is nil the latest version is returned; when allVersions is
	// true every version is returned ordered oldest first.
	GetByExternalID(ctx context.Context, externalID, source string, version *int, allVersions bool) ([]*Entity, error)

	// RequireByExternalID is GetByExternalID(..., nil, false) but fails
	// with apierrors.CodeNotFound instead of returning an empty slice.
	RequireByExternalID(ctx context.Context, externalID, source string) (*Entity, error)

	// GetByContentHash looks up an entity by (source, content_hash) only
	// — not external_id — so duplicate detection can tell a new version
	// of the same external_id apart from a content match against a
	// different one.
	GetByContentHash(ctx context.Context, source, contentHash string) (*Entity, error)

	// GetMaxVersion returns the highest version number recorded for
	// (external_id, source), or 0 if none exists.
	GetMaxVersion(ctx context.Context, externalID, source string) (int, error)

	// UpdateAttributes merges attrs into the entity's current attribute
	// bag (shallow merge, attrs wins on key conflict).
	UpdateAttributes(ctx context.Context, id string, attrs map[string]interface{}) (*Entity, error)

	// Delete removes an entity's row outright. softDelete is accepted but
	// not acted on: neither implementation in this module has a
	// mark-deleted state, so both remove the row whatever its value.
	Delete(ctx context.Context, id string, softDelete bool) error

	// List returns entities matching filter, newest-updated first, along
	// with the total count of matching rows ignoring limit/offset — the
	// count a caller needs to paginate.
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Entity, int, error)

	// Iterate yields entities matching filter in batches of batchSize,
	// for backfills/exports that must not hold the whole result set in
	// memory at once.
	Iterate(ctx context.Context, filter Filter, batchSize int, fn func([]*Entity) error) error
}
