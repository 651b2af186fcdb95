package repository

import (
	"encoding/json"
	"errors"
	"time"

	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/db"
	"github.com/entityflow/entitycore/entity"
	"github.com/entityflow/entitycore/tenant"
)

// PostgresEntityRepository implements entity.Repository on top of GORM,
// mirroring the control flow of entity.MemoryRepository but persisting
// through db.EntityModel.
type PostgresEntityRepository struct {
	gdb *gorm.DB
}

// NewPostgresEntityRepository builds a PostgresEntityRepository backed by
// an already-migrated *gorm.DB (see db.Open/db.Migrate).
func NewPostgresEntityRepository(gdb *gorm.DB) *PostgresEntityRepository {
	return &PostgresEntityRepository{gdb: gdb}
}

func toEntityModel(e *entity.Entity) (*db.EntityModel, error) {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return nil, err
	}
	return &db.EntityModel{
		ID:            e.ID,
		TenantID:      e.TenantID,
		ExternalID:    e.ExternalID,
		CanonicalType: e.CanonicalType,
		Source:        e.Source,
		ContentHash:   e.ContentHash,
		Attributes:    attrs,
		Version:       e.Version,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}, nil
}

func fromEntityModel(m *db.EntityModel) (*entity.Entity, error) {
	attrs := map[string]interface{}{}
	if len(m.Attributes) > 0 {
		if err := json.Unmarshal(m.Attributes, &attrs); err != nil {
			return nil, err
		}
	}
	return &entity.Entity{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ExternalID:    m.ExternalID,
		CanonicalType: m.CanonicalType,
		Source:        m.Source,
		Version:       m.Version,
		ContentHash:   m.ContentHash,
		Attributes:    attrs,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func (r *PostgresEntityRepository) Create(ctx context.Context, in entity.CreateInput) (*entity.Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if in.CanonicalType == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "entity_create", "canonical_type is required")
	}

	now := time.Now().UTC()
	e := &entity.Entity{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ExternalID:    in.ExternalID,
		CanonicalType: in.CanonicalType,
		Source:        in.Source,
		Version:       1,
		ContentHash:   in.ContentHash,
		Attributes:    in.Attributes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	model, err := toEntityModel(e)
	if err != nil {
		return nil, err
	}
	if err := r.gdb.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apierrors.Duplicate("entity_create", in.ExternalID, "entity already exists for (tenant, source, external_id, version)")
		}
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_create", "insert failed", err)
	}
	return e, nil
}

// CreateNewVersion reads the current max version and inserts max+1. The
// lookup carries a FOR UPDATE clause but runs outside any transaction,
// so its row lock is released before the insert — two concurrent
// callers racing on the same (tenant, external_id, source) can both read
// the same max version and then collide on the unique index, one losing
// with a constraint error. This is a known, intentionally preserved
// race rather than something to silently paper over with a lock.
func (r *PostgresEntityRepository) CreateNewVersion(ctx context.Context, externalID, source, contentHash, canonicalType string, attributes map[string]interface{}) (*entity.Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}

	var latest db.EntityModel
	err = r.gdb.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ? AND source = ?", tenantID, externalID, source).
		Order("version DESC").
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&latest).Error

	var maxVersion int
	var latestEntity *entity.Entity
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		maxVersion = 0
	case err != nil:
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_create_new_version", "lookup failed", err)
	default:
		maxVersion = latest.Version
		latestEntity, err = fromEntityModel(&latest)
		if err != nil {
			return nil, err
		}
	}

	if maxVersion == 0 && canonicalType == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "entity_create_new_version", "canonical_type is required for a brand new entity")
	}
	if canonicalType == "" && latestEntity != nil {
		canonicalType = latestEntity.CanonicalType
	}

	attrs := map[string]interface{}{}
	if latestEntity != nil {
		for k, v := range latestEntity.Attributes {
			attrs[k] = v
		}
	}
	for k, v := range attributes {
		attrs[k] = v
	}

	now := time.Now().UTC()
	e := &entity.Entity{
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
	model, err := toEntityModel(e)
	if err != nil {
		return nil, err
	}
	if err := r.gdb.WithContext(ctx).Create(model).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.CodeConstraintViolation, "entity_create_new_version", "version collision", err)
	}
	return e, nil
}

func (r *PostgresEntityRepository) GetByID(ctx context.Context, id string) (*entity.Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var m db.EntityModel
	err = r.gdb.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_get_by_id", "query failed", err)
	}
	return fromEntityModel(&m)
}

func (r *PostgresEntityRepository) RequireByID(ctx context.Context, id string) (*entity.Entity, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apierrors.NotFound("entity_require_by_id", id)
	}
	return e, nil
}

func (r *PostgresEntityRepository) GetByExternalID(ctx context.Context, externalID, source string, version *int, allVersions bool) ([]*entity.Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	q := r.gdb.WithContext(ctx).Where("tenant_id = ? AND external_id = ? AND source = ?", tenantID, externalID, source)

	if allVersions {
		var rows []db.EntityModel
		if err := q.Order("version ASC").Find(&rows).Error; err != nil {
			return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_get_by_external_id", "query failed", err)
		}
		return modelsToEntities(rows)
	}
	if version != nil {
		q = q.Where("version = ?", *version)
	} else {
		q = q.Order("version DESC").Limit(1)
	}
	var rows []db.EntityModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_get_by_external_id", "query failed", err)
	}
	return modelsToEntities(rows)
}

func (r *PostgresEntityRepository) RequireByExternalID(ctx context.Context, externalID, source string) (*entity.Entity, error) {
	res, err := r.GetByExternalID(ctx, externalID, source, nil, false)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, apierrors.NotFound("entity_require_by_external_id", externalID)
	}
	return res[0], nil
}

func (r *PostgresEntityRepository) GetByContentHash(ctx context.Context, source, contentHash string) (*entity.Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var m db.EntityModel
	err = r.gdb.WithContext(ctx).
		Where("tenant_id = ? AND source = ? AND content_hash = ?", tenantID, source, contentHash).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_get_by_content_hash", "query failed", err)
	}
	return fromEntityModel(&m)
}

func (r *PostgresEntityRepository) GetMaxVersion(ctx context.Context, externalID, source string) (int, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return 0, err
	}
	var m db.EntityModel
	err = r.gdb.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ? AND source = ?", tenantID, externalID, source).
		Order("version DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_get_max_version", "query failed", err)
	}
	return m.Version, nil
}

func (r *PostgresEntityRepository) UpdateAttributes(ctx context.Context, id string, attrs map[string]interface{}) (*entity.Entity, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apierrors.NotFound("entity_update_attributes", id)
	}
	for k, v := range attrs {
		e.Attributes[k] = v
	}
	e.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(e.Attributes)
	if err != nil {
		return nil, err
	}
	err = r.gdb.WithContext(ctx).Model(&db.EntityModel{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(map[string]interface{}{"attributes": encoded, "updated_at": e.UpdatedAt}).Error
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_update_attributes", "update failed", err)
	}
	return e, nil
}

func (r *PostgresEntityRepository) Delete(ctx context.Context, id string, softDelete bool) error {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return err
	}
	// softDelete is accepted for interface parity with the original
	// implementation's delete(..., soft_delete=True) default; this
	// storage layer has no deleted_at column yet, so both paths hard
	// delete.
	_ = softDelete
	res := r.gdb.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&db.EntityModel{})
	if res.Error != nil {
		return apierrors.Wrap(apierrors.CodeDatabaseError, "entity_delete", "delete failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierrors.NotFound("entity_delete", id)
	}
	return nil
}

func (r *PostgresEntityRepository) List(ctx context.Context, filter entity.Filter, limit, offset int) ([]*entity.Entity, int, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, 0, err
	}
	base := applyEntityFilter(r.gdb.WithContext(ctx).Model(&db.EntityModel{}).Where("tenant_id = ?", tenantID), filter)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_list", "count failed", err)
	}

	q := base.Session(&gorm.Session{}).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []db.EntityModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, apierrors.Wrap(apierrors.CodeDatabaseError, "entity_list", "query failed", err)
	}
	entities, err := modelsToEntities(rows)
	if err != nil {
		return nil, 0, err
	}
	return entities, int(total), nil
}

func (r *PostgresEntityRepository) Iterate(ctx context.Context, filter entity.Filter, batchSize int, fn func([]*entity.Entity) error) error {
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

func applyEntityFilter(q *gorm.DB, filter entity.Filter) *gorm.DB {
	if filter.ExternalID != "" {
		q = q.Where("external_id = ?", filter.ExternalID)
	}
	if filter.CanonicalType != "" {
		q = q.Where("canonical_type = ?", filter.CanonicalType)
	}
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if filter.ContentHash != "" {
		q = q.Where("content_hash = ?", filter.ContentHash)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.UpdatedAfter != nil {
		q = q.Where("updated_at > ?", *filter.UpdatedAfter)
	}
	if filter.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", *filter.UpdatedBefore)
	}
	return q
}

func modelsToEntities(rows []db.EntityModel) ([]*entity.Entity, error) {
	out := make([]*entity.Entity, 0, len(rows))
	for i := range rows {
		e, err := fromEntityModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
