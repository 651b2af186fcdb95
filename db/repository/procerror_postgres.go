package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/db"
	"github.com/entityflow/entitycore/procerror"
	"github.com/entityflow/entitycore/tenant"
)

// PostgresErrorLedger implements procerror.Ledger on top of GORM.
type PostgresErrorLedger struct {
	gdb *gorm.DB
}

// NewPostgresErrorLedger builds a PostgresErrorLedger backed by an
// already-migrated *gorm.DB.
func NewPostgresErrorLedger(gdb *gorm.DB) *PostgresErrorLedger {
	return &PostgresErrorLedger{gdb: gdb}
}

func (l *PostgresErrorLedger) RecordError(ctx context.Context, in procerror.RecordInput) (string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return "", err
	}
	if in.EntityID == "" {
		return "", apierrors.New(apierrors.CodeValidationFailed, "record_error", "entity_id is required")
	}

	model := db.ProcessingErrorModel{
		ID:             uuid.NewString(),
		EntityID:       in.EntityID,
		TenantID:       tenantID,
		ErrorTypeCode:  in.ErrorTypeCode,
		Message:        in.Message,
		ProcessingStep: in.ProcessingStep,
		StackTrace:     in.StackTrace,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.gdb.WithContext(ctx).Create(&model).Error; err != nil {
		return "", apierrors.Wrap(apierrors.CodeDatabaseError, "record_error", "insert failed", err)
	}
	return model.ID, nil
}

func (l *PostgresErrorLedger) FindByEntityID(ctx context.Context, entityID string) ([]procerror.ProcessingError, error) {
	return l.GetByFilter(ctx, procerror.Filter{EntityID: entityID})
}

func (l *PostgresErrorLedger) GetByFilter(ctx context.Context, filter procerror.Filter) ([]procerror.ProcessingError, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	q := l.gdb.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.EntityID != "" {
		q = q.Where("entity_id = ?", filter.EntityID)
	}
	if filter.ErrorTypeCode != "" {
		q = q.Where("error_type_code = ?", filter.ErrorTypeCode)
	}
	if filter.ProcessingStep != "" {
		q = q.Where("processing_step = ?", filter.ProcessingStep)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at < ?", *filter.CreatedBefore)
	}

	var rows []db.ProcessingErrorModel
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "get_by_filter", "query failed", err)
	}
	out := make([]procerror.ProcessingError, len(rows))
	for i, m := range rows {
		out[i] = procerror.ProcessingError{
			ID:             m.ID,
			EntityID:       m.EntityID,
			TenantID:       m.TenantID,
			ErrorTypeCode:  m.ErrorTypeCode,
			Message:        m.Message,
			ProcessingStep: m.ProcessingStep,
			StackTrace:     m.StackTrace,
			CreatedAt:      m.CreatedAt,
		}
	}
	return out, nil
}

func (l *PostgresErrorLedger) Delete(ctx context.Context, id string) error {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return err
	}
	res := l.gdb.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&db.ProcessingErrorModel{})
	if res.Error != nil {
		return apierrors.Wrap(apierrors.CodeDatabaseError, "processing_error_delete", "delete failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierrors.NotFound("processing_error_delete", id)
	}
	return nil
}

func (l *PostgresErrorLedger) DeleteByEntityID(ctx context.Context, entityID string) (int, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return 0, err
	}
	res := l.gdb.WithContext(ctx).Where("entity_id = ? AND tenant_id = ?", entityID, tenantID).Delete(&db.ProcessingErrorModel{})
	if res.Error != nil {
		return 0, apierrors.Wrap(apierrors.CodeDatabaseError, "processing_error_delete_by_entity_id", "delete failed", res.Error)
	}
	return int(res.RowsAffected), nil
}
