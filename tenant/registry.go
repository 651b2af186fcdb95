package tenant

import (
	"context"
	"time"

	"github.com/entityflow/entitycore/apierrors"
)

// Tenant is the metadata record for one tenant in the system.
type Tenant struct {
	TenantID  string
	Name      string
	IsActive  bool
	Config    map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetConfigValue returns a tenant-scoped config override, falling back
// to def when the key is absent: processors that need per-tenant
// overrides (rate limits, feature flags) read them here instead of
// threading a separate config object through every call.
func (t *Tenant) GetConfigValue(key string, def interface{}) interface{} {
	if t == nil || t.Config == nil {
		return def
	}
	if v, ok := t.Config[key]; ok {
		return v
	}
	return def
}

// TenantUpdate carries the fields update() is allowed to change. A nil
// field means "leave as-is" — only Config is replaced wholesale since
// per-key merging belongs to UpdateConfig, not Update.
type TenantUpdate struct {
	Name     *string
	IsActive *bool
	Config   map[string]interface{}
}

// Store is the persistence boundary a Registry sits on top of — a thin
// interface so Postgres (or any other backing store) can be swapped in
// without touching the caching/isolation logic in Registry.
type Store interface {
	GetByID(ctx context.Context, tenantID string) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) (*Tenant, error)
	Update(ctx context.Context, tenantID string, update TenantUpdate) (*Tenant, error)
	UpdateConfig(ctx context.Context, tenantID, key string, value interface{}) (*Tenant, error)
	SetActive(ctx context.Context, tenantID string, active bool) (*Tenant, error)
}

// Registry resolves tenant metadata, transparently caching results.
// It is the Go counterpart of TenantContext.get_tenant: callers explicit
// pass the tenant id (normally taken from the request context via
// RequireTenantID) rather than relying on ambient state.
type Registry struct {
	store Store
	cache *Cache
}

// NewRegistry builds a Registry backed by store with a bounded cache.
// cacheSize <= 0 uses the default of 100 entries.
func NewRegistry(store Store, cacheSize int) *Registry {
	return &Registry{store: store, cache: NewCache(cacheSize)}
}

// Get resolves tenantID, consulting the cache before the backing store.
func (r *Registry) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	if tenantID == "" {
		return nil, ErrNoTenant
	}
	if t, ok := r.cache.Get(tenantID); ok {
		return t, nil
	}

	t, err := r.store.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.cache.Put(tenantID, t)
	return t, nil
}

// GetCurrent resolves the tenant carried by ctx.
func (r *Registry) GetCurrent(ctx context.Context) (*Tenant, error) {
	id, err := RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Invalidate evicts tenantID from the cache, e.g. after an update.
func (r *Registry) Invalidate(tenantID string) {
	r.cache.Evict(tenantID)
}

// Create registers a new tenant and primes the cache with it.
func (r *Registry) Create(ctx context.Context, t *Tenant) (*Tenant, error) {
	created, err := r.store.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	r.cache.Put(created.TenantID, created)
	return created, nil
}

// Update applies a partial update to tenantID and refreshes the cache
// entry so a subsequent Get doesn't serve the pre-update value.
func (r *Registry) Update(ctx context.Context, tenantID string, update TenantUpdate) (*Tenant, error) {
	updated, err := r.store.Update(ctx, tenantID, update)
	if err != nil {
		return nil, err
	}
	r.cache.Put(tenantID, updated)
	return updated, nil
}

// UpdateConfig sets a single tenant-scoped config key, leaving the rest
// of the config untouched.
func (r *Registry) UpdateConfig(ctx context.Context, tenantID, key string, value interface{}) (*Tenant, error) {
	updated, err := r.store.UpdateConfig(ctx, tenantID, key, value)
	if err != nil {
		return nil, err
	}
	r.cache.Put(tenantID, updated)
	return updated, nil
}

// Activate flips a tenant to active, the counterpart of
// activate_current_tenant in the original tenant service.
func (r *Registry) Activate(ctx context.Context, tenantID string) (*Tenant, error) {
	return r.setActive(ctx, tenantID, true)
}

// Deactivate flips a tenant to inactive, the counterpart of
// deactivate_current_tenant in the original tenant service.
func (r *Registry) Deactivate(ctx context.Context, tenantID string) (*Tenant, error) {
	return r.setActive(ctx, tenantID, false)
}

func (r *Registry) setActive(ctx context.Context, tenantID string, active bool) (*Tenant, error) {
	updated, err := r.store.SetActive(ctx, tenantID, active)
	if err != nil {
		return nil, err
	}
	r.cache.Put(tenantID, updated)
	return updated, nil
}

// RequireActive resolves tenantID and fails with apierrors.CodeNotFound
// unless the tenant exists and is active — the guard most services want
// before doing any work on behalf of a tenant.
func (r *Registry) RequireActive(ctx context.Context, tenantID string) (*Tenant, error) {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, apierrors.New(apierrors.CodeNotFound, "tenant_require_active", "tenant is not active").WithContext("tenant_id", tenantID)
	}
	return t, nil
}
