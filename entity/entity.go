// Package entity defines the core Entity record and the EntityRepository
// abstraction: stable internal identity, immutable version history, and
// an open attribute bag, all scoped to a tenant.
package entity

import "time"

// Entity is one immutable version of an external record inside a tenant.
// A given (tenant_id, external_id, source) triple may have many Entity
// rows, one per version; Version increases monotonically and a version's
// fields are never mutated in place, except its Attributes, which
// Repository.UpdateAttributes merges into.
type Entity struct {
	ID            string
	TenantID      string
	ExternalID    string
	CanonicalType string
	Source        string
	Version       int
	ContentHash   string
	Attributes    map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Reference is a lightweight pointer to an Entity, used on messages that
// flow between processors so the full record doesn't need to travel with
// every hop.
type Reference struct {
	ID            string
	TenantID      string
	ExternalID    string
	CanonicalType string
	Source        string
	Version       int
}

// ReferenceFrom builds a Reference from a resolved Entity.
func ReferenceFrom(e *Entity) Reference {
	return Reference{
		ID:            e.ID,
		TenantID:      e.TenantID,
		ExternalID:    e.ExternalID,
		CanonicalType: e.CanonicalType,
		Source:        e.Source,
		Version:       e.Version,
	}
}

// CreateInput carries the fields needed to create the first version of an
// entity, or a brand-new (external_id, source) pair.
type CreateInput struct {
	TenantID      string
	ExternalID    string
	CanonicalType string
	Source        string
	ContentHash   string
	Attributes    map[string]interface{}
}

// Filter scopes a List/Iterate call. Zero-value fields are not applied.
// TenantID is not read by either repository implementation: the tenant
// always comes from ctx.
type Filter struct {
	TenantID      string
	ExternalID    string
	CanonicalType string
	Source        string
	ContentHash   string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
}
