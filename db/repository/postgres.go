package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/entityflow/entitycore/db"
)

// TenantStats is a capacity-planning snapshot for one tenant: how many
// entities and processing errors it has accumulated, and when it was
// last active. It's queried with raw SQL via db.PostgresDB rather than
// GORM because it aggregates across two tables in a single round trip —
// the same reasoning the original metrics queries used raw SQL for
// dashboard-style reporting instead of the ORM.
type TenantStats struct {
	TenantID        string
	EntityCount     int64
	ErrorCount      int64
	LastEntityAt    *time.Time
	LastErrorAt     *time.Time
}

// PostgresStatsRepository answers operational/reporting queries that
// don't fit entity.Repository or ledger.Ledger's per-tenant, per-entity
// shape — cross-tenant dashboards an operator runs, not anything a
// processor calls mid-pipeline.
type PostgresStatsRepository struct {
	db *db.PostgresDB
}

// NewPostgresStatsRepository builds a PostgresStatsRepository over an
// already-open pgx connection pool.
func NewPostgresStatsRepository(pg *db.PostgresDB) *PostgresStatsRepository {
	return &PostgresStatsRepository{db: pg}
}

// GetTenantStats aggregates entity and processing_error counts for a
// single tenant.
func (r *PostgresStatsRepository) GetTenantStats(ctx context.Context, tenantID string) (*TenantStats, error) {
	stats := &TenantStats{TenantID: tenantID}

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM entity WHERE tenant_id = $1
	`, tenantID).Scan(&stats.EntityCount, &stats.LastEntityAt)
	if err != nil {
		return nil, fmt.Errorf("entity stats query failed: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM processing_error WHERE tenant_id = $1
	`, tenantID).Scan(&stats.ErrorCount, &stats.LastErrorAt)
	if err != nil {
		return nil, fmt.Errorf("error stats query failed: %w", err)
	}

	return stats, nil
}

// ListActiveTenants returns the tenant_ids of every tenant with at least
// one entity created since since — a cheap heartbeat query for an
// operator dashboard, not something a processor path calls.
func (r *PostgresStatsRepository) ListActiveTenants(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT tenant_id FROM entity WHERE created_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("active tenants query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
