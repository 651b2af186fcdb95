// Package db provides the PostgreSQL-backed persistence layer: GORM
// models for the relational schema (tenant, entity, state_transition,
// processing_error), connection pool setup, and migrations.
// Aggregate/statistics queries that don't fit GORM's struct-mapped
// query builder go through the raw pgx wrapper in postgres_pgx.go
// instead.
package db

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sirupsen/logrus"
)

// TenantModel is the GORM mapping of the tenant table: tenant_id PK,
// customer_name, is_active, tenant_config JSON.
type TenantModel struct {
	TenantID     string    `gorm:"column:tenant_id;primaryKey"`
	CustomerName string    `gorm:"column:customer_name"`
	IsActive     bool      `gorm:"column:is_active;default:true"`
	TenantConfig []byte    `gorm:"column:tenant_config;type:jsonb"` // map[string]ConfigEntry, JSON-encoded
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (TenantModel) TableName() string { return "tenant" }

// EntityModel is the GORM mapping of the entity table. The
// (tenant_id, source, external_id, version) tuple is unique; content_hash
// and (tenant_id, canonical_type) carry secondary indexes for duplicate
// detection and type-scoped queries respectively.
type EntityModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	TenantID      string    `gorm:"column:tenant_id;index;uniqueIndex:uniq_entity_version;index:idx_entity_tenant_type"`
	ExternalID    string    `gorm:"column:external_id;uniqueIndex:uniq_entity_version"`
	CanonicalType string    `gorm:"column:canonical_type;index:idx_entity_tenant_type"`
	Source        string    `gorm:"column:source;uniqueIndex:uniq_entity_version;index:idx_entity_hash_source"`
	ContentHash   string    `gorm:"column:content_hash;index:idx_entity_hash_source"`
	Attributes    []byte    `gorm:"column:attributes;type:jsonb"`
	Version       int       `gorm:"column:version;uniqueIndex:uniq_entity_version"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (EntityModel) TableName() string { return "entity" }

// StateTransitionModel is the GORM mapping of the state_transition table.
// (entity_id, sequence_number) is unique — the storage-level constraint
// that serializes concurrent writers to one entity.
type StateTransitionModel struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	EntityID           string    `gorm:"column:entity_id;index;uniqueIndex:uniq_transition_sequence"`
	TenantID           string    `gorm:"column:tenant_id;index"`
	FromState          string    `gorm:"column:from_state"`
	ToState            string    `gorm:"column:to_state;index"`
	Actor              string    `gorm:"column:actor"`
	TransitionType     string    `gorm:"column:transition_type"`
	ProcessorData      []byte    `gorm:"column:processor_data;type:jsonb"`
	QueueSource        string    `gorm:"column:queue_source"`
	QueueDestination   string    `gorm:"column:queue_destination"`
	TransitionDuration *float64  `gorm:"column:transition_duration"`
	SequenceNumber     int64     `gorm:"column:sequence_number;uniqueIndex:uniq_transition_sequence"`
	Notes              string    `gorm:"column:notes"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

func (StateTransitionModel) TableName() string { return "state_transition" }

// ProcessingErrorModel is the GORM mapping of the processing_error table.
type ProcessingErrorModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	EntityID       string    `gorm:"column:entity_id;index"`
	TenantID       string    `gorm:"column:tenant_id;index"`
	ErrorTypeCode  string    `gorm:"column:error_type_code;index"`
	Message        string    `gorm:"column:message"`
	ProcessingStep string    `gorm:"column:processing_step;index"`
	StackTrace     string    `gorm:"column:stack_trace"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ProcessingErrorModel) TableName() string { return "processing_error" }

// Open establishes a GORM connection pool against pgUrl with at most 10
// idle and 100 open connections and a one-hour connection lifetime.
// Driver errors are translated, so a unique violation surfaces as
// gorm.ErrDuplicatedKey.
func Open(pgUrl string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(pgUrl), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate creates or updates the four relational tables this module
// owns. Safe to call on every startup — AutoMigrate only adds columns
// and indexes, never drops them.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&TenantModel{}, &EntityModel{}, &StateTransitionModel{}, &ProcessingErrorModel{})
}

// MustOpen is Open but panics on failure, for use during process
// startup where a broken database connection should halt the process.
func MustOpen(pgUrl string) *gorm.DB {
	gdb, err := Open(pgUrl)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open postgres connection")
	}
	if err := Migrate(gdb); err != nil {
		logrus.WithError(err).Fatal("failed to migrate postgres schema")
	}
	return gdb
}
