package repository

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/db"
	"github.com/entityflow/entitycore/tenant"
)

// PostgresTenantStore implements tenant.Store on top of GORM.
// tenant.Registry layers the bounded FIFO cache on top of whatever Store
// it is given and refreshes that cache after every write.
type PostgresTenantStore struct {
	gdb *gorm.DB
}

// NewPostgresTenantStore builds a PostgresTenantStore backed by an
// already-migrated *gorm.DB.
func NewPostgresTenantStore(gdb *gorm.DB) *PostgresTenantStore {
	return &PostgresTenantStore{gdb: gdb}
}

func (s *PostgresTenantStore) GetByID(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	var m db.TenantModel
	err := s.gdb.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierrors.NotFound("tenant_get_by_id", tenantID)
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "tenant_get_by_id", "query failed", err)
	}

	var config map[string]interface{}
	if len(m.TenantConfig) > 0 {
		if err := json.Unmarshal(m.TenantConfig, &config); err != nil {
			return nil, err
		}
	}

	return &tenant.Tenant{
		TenantID:  m.TenantID,
		Name:      m.CustomerName,
		IsActive:  m.IsActive,
		Config:    config,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// Create inserts a new tenant row. IsActive defaults to true when the
// caller doesn't set it explicitly, matching TenantCreate's default in
// the original schema.
func (s *PostgresTenantStore) Create(ctx context.Context, t *tenant.Tenant) (*tenant.Tenant, error) {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidData, "tenant_create", "config not serializable", err)
	}

	m := db.TenantModel{
		TenantID:     t.TenantID,
		CustomerName: t.Name,
		IsActive:     t.IsActive,
		TenantConfig: configJSON,
	}
	if err := s.gdb.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apierrors.Duplicate("tenant_create", t.TenantID, "tenant already exists")
		}
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "tenant_create", "insert failed", err)
	}
	return s.GetByID(ctx, t.TenantID)
}

// Update applies a partial update, writing only the fields present on
// update — the Go counterpart of update_data.model_dump(exclude_unset=True).
func (s *PostgresTenantStore) Update(ctx context.Context, tenantID string, update tenant.TenantUpdate) (*tenant.Tenant, error) {
	var m db.TenantModel
	if err := s.gdb.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apierrors.NotFound("tenant_update", tenantID)
		}
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "tenant_update", "query failed", err)
	}

	updates := map[string]interface{}{}
	if update.Name != nil {
		updates["customer_name"] = *update.Name
	}
	if update.IsActive != nil {
		updates["is_active"] = *update.IsActive
	}
	if update.Config != nil {
		configJSON, err := json.Marshal(update.Config)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeInvalidData, "tenant_update", "config not serializable", err)
		}
		updates["tenant_config"] = configJSON
	}
	if len(updates) == 0 {
		return s.GetByID(ctx, tenantID)
	}

	if err := s.gdb.WithContext(ctx).Model(&m).Updates(updates).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "tenant_update", "update failed", err)
	}
	return s.GetByID(ctx, tenantID)
}

// UpdateConfig merges a single key into the tenant's existing config,
// leaving every other key untouched.
func (s *PostgresTenantStore) UpdateConfig(ctx context.Context, tenantID, key string, value interface{}) (*tenant.Tenant, error) {
	current, err := s.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	config := make(map[string]interface{}, len(current.Config)+1)
	for k, v := range current.Config {
		config[k] = v
	}
	config[key] = value

	return s.Update(ctx, tenantID, tenant.TenantUpdate{Config: config})
}

// SetActive flips the tenant's is_active flag, the counterpart of
// activate_current_tenant/deactivate_current_tenant in the original
// tenant service.
func (s *PostgresTenantStore) SetActive(ctx context.Context, tenantID string, active bool) (*tenant.Tenant, error) {
	return s.Update(ctx, tenantID, tenant.TenantUpdate{IsActive: &active})
}
