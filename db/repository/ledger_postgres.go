package repository

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/db"
	"github.com/entityflow/entitycore/ledger"
	"github.com/entityflow/entitycore/tenant"
)

// PostgresLedger implements ledger.Ledger on top of GORM. Sequence
// numbers rely on the storage layer's (entity_id, sequence_number)
// unique index to reject a racing writer rather than computing the next
// number under an application-level lock: RecordTransition retries a
// failed insert once with a freshly computed sequence number and, if
// that also fails, returns a DATABASE_ERROR. This is the same non-
// transactional shape entity versioning uses.
type PostgresLedger struct {
	gdb *gorm.DB
}

// NewPostgresLedger builds a PostgresLedger backed by an already-migrated
// *gorm.DB.
func NewPostgresLedger(gdb *gorm.DB) *PostgresLedger {
	return &PostgresLedger{gdb: gdb}
}

func (l *PostgresLedger) nextSequence(ctx context.Context, entityID string) (int64, error) {
	var max int64
	err := l.gdb.WithContext(ctx).Model(&db.StateTransitionModel{}).
		Where("entity_id = ?", entityID).
		Select("COALESCE(MAX(sequence_number), 0)").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (l *PostgresLedger) RecordTransition(ctx context.Context, in ledger.RecordInput) (string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return "", err
	}
	if in.EntityID == "" {
		return "", apierrors.New(apierrors.CodeValidationFailed, "record_transition", "entity_id is required")
	}

	transitionType := in.TransitionType
	if transitionType == "" {
		transitionType = ledger.TransitionNormal
	}

	var processorData []byte
	if in.ProcessorData != nil {
		processorData, err = json.Marshal(in.ProcessorData)
		if err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	// Retry once on a sequence collision: two processors racing on the
	// same entity can both compute the same "next" sequence number.
	for attempt := 0; attempt < 2; attempt++ {
		seq, err := l.nextSequence(ctx, in.EntityID)
		if err != nil {
			return "", apierrors.Wrap(apierrors.CodeDatabaseError, "record_transition", "sequence lookup failed", err)
		}
		model := db.StateTransitionModel{
			ID:                 id,
			EntityID:           in.EntityID,
			TenantID:           tenantID,
			FromState:          in.FromState,
			ToState:            in.ToState,
			Actor:              in.Actor,
			TransitionType:     string(transitionType),
			ProcessorData:      processorData,
			QueueSource:        in.QueueSource,
			QueueDestination:   in.QueueDestination,
			TransitionDuration: in.TransitionDuration,
			SequenceNumber:     seq,
			Notes:              in.Notes,
			CreatedAt:          time.Now().UTC(),
		}
		err = l.gdb.WithContext(ctx).Create(&model).Error
		if err == nil {
			return id, nil
		}
		if attempt == 1 {
			return "", apierrors.Wrap(apierrors.CodeDatabaseError, "record_transition", "insert failed", err)
		}
	}
	return "", apierrors.New(apierrors.CodeDatabaseError, "record_transition", "insert failed after retry")
}

func (l *PostgresLedger) entityRows(ctx context.Context, tenantID, entityID string) ([]db.StateTransitionModel, error) {
	var rows []db.StateTransitionModel
	err := l.gdb.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ?", entityID, tenantID).
		Order("sequence_number ASC").
		Find(&rows).Error
	return rows, err
}

func (l *PostgresLedger) GetEntityStateHistory(ctx context.Context, entityID string) (*ledger.History, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := l.entityRows(ctx, tenantID, entityID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "get_entity_state_history", "query failed", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	transitions := make([]ledger.Transition, len(rows))
	var totalDuration float64
	for i, m := range rows {
		transitions[i] = fromTransitionModel(m)
		if m.TransitionDuration != nil {
			totalDuration += *m.TransitionDuration
		}
	}

	return &ledger.History{
		Transitions:         transitions,
		CurrentState:        rows[len(rows)-1].ToState,
		TotalTransitions:    len(rows),
		FirstSeen:           rows[0].CreatedAt,
		LastUpdated:         rows[len(rows)-1].CreatedAt,
		TotalProcessingTime: totalDuration,
	}, nil
}

func fromTransitionModel(m db.StateTransitionModel) ledger.Transition {
	var processorData map[string]interface{}
	if len(m.ProcessorData) > 0 {
		_ = json.Unmarshal(m.ProcessorData, &processorData)
	}
	return ledger.Transition{
		ID:                 m.ID,
		EntityID:           m.EntityID,
		TenantID:           m.TenantID,
		SequenceNumber:     m.SequenceNumber,
		FromState:          m.FromState,
		ToState:            m.ToState,
		Actor:              m.Actor,
		TransitionType:     ledger.TransitionType(m.TransitionType),
		ProcessorData:      processorData,
		QueueSource:        m.QueueSource,
		QueueDestination:   m.QueueDestination,
		Notes:              m.Notes,
		TransitionDuration: m.TransitionDuration,
		CreatedAt:          m.CreatedAt,
	}
}

func (l *PostgresLedger) GetCurrentState(ctx context.Context, entityID string) (string, bool, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return "", false, err
	}
	var m db.StateTransitionModel
	err = l.gdb.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ?", entityID, tenantID).
		Order("sequence_number DESC").First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierrors.Wrap(apierrors.CodeDatabaseError, "get_current_state", "query failed", err)
	}
	return m.ToState, true, nil
}

// latestPerEntity finds, within the tenant, the most recent transition
// row per entity_id via a correlated subquery on MAX(sequence_number).
func (l *PostgresLedger) latestPerEntity(ctx context.Context, tenantID string) ([]db.StateTransitionModel, error) {
	var rows []db.StateTransitionModel
	sub := l.gdb.WithContext(ctx).Model(&db.StateTransitionModel{}).
		Select("entity_id, MAX(sequence_number) AS sequence_number").
		Where("tenant_id = ?", tenantID).
		Group("entity_id")

	err := l.gdb.WithContext(ctx).
		Table("state_transition AS st").
		Joins("JOIN (?) AS latest ON latest.entity_id = st.entity_id AND latest.sequence_number = st.sequence_number", sub).
		Where("st.tenant_id = ?", tenantID).
		Find(&rows).Error
	return rows, err
}

func (l *PostgresLedger) GetEntitiesInState(ctx context.Context, state string, limit, offset int) ([]string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := l.latestPerEntity(ctx, tenantID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "get_entities_in_state", "query failed", err)
	}
	var ids []string
	for _, r := range rows {
		if r.ToState == state {
			ids = append(ids, r.EntityID)
		}
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

func (l *PostgresLedger) GetStuckEntities(ctx context.Context, state string, thresholdMinutes int, limit int) ([]string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := l.latestPerEntity(ctx, tenantID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "get_stuck_entities", "query failed", err)
	}
	cutoff := time.Now().UTC().Add(-time.Duration(thresholdMinutes) * time.Minute)
	var ids []string
	for _, r := range rows {
		if r.ToState == state && r.CreatedAt.Before(cutoff) {
			ids = append(ids, r.EntityID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

func (l *PostgresLedger) GetStateStatistics(ctx context.Context, start, end *time.Time) (*ledger.Statistics, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	q := l.gdb.WithContext(ctx).Model(&db.StateTransitionModel{}).Where("tenant_id = ?", tenantID)
	if start != nil {
		q = q.Where("created_at >= ?", *start)
	}
	if end != nil {
		q = q.Where("created_at <= ?", *end)
	}

	var rows []db.StateTransitionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "get_state_statistics", "query failed", err)
	}

	countsByTo := map[string]int{}
	durationsByFrom := map[string][]float64{}
	errorCountsByTo := map[string]int{}
	errorCount := 0

	for _, r := range rows {
		countsByTo[r.ToState]++
		if r.TransitionDuration != nil {
			durationsByFrom[r.FromState] = append(durationsByFrom[r.FromState], *r.TransitionDuration)
		}
		if r.TransitionType == string(ledger.TransitionError) {
			errorCount++
			errorCountsByTo[r.ToState]++
		}
	}

	avgByFrom := make(map[string]float64, len(durationsByFrom))
	for from, durations := range durationsByFrom {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		avgByFrom[from] = sum / float64(len(durations))
	}

	var errorRate float64
	if len(rows) > 0 {
		errorRate = float64(errorCount) / float64(len(rows))
	}

	type stateCount struct {
		state string
		count int
	}
	counted := make([]stateCount, 0, len(errorCountsByTo))
	for s, c := range errorCountsByTo {
		counted = append(counted, stateCount{s, c})
	}
	sort.Slice(counted, func(i, j int) bool {
		if counted[i].count != counted[j].count {
			return counted[i].count > counted[j].count
		}
		return counted[i].state < counted[j].state
	})
	top := make([]string, 0, 5)
	for i := 0; i < len(counted) && i < 5; i++ {
		top = append(top, counted[i].state)
	}

	return &ledger.Statistics{
		Total:             len(rows),
		CountsByToState:   countsByTo,
		AvgDurationByFrom: avgByFrom,
		ErrorRate:         errorRate,
		TopErrorStates:    top,
	}, nil
}

func (l *PostgresLedger) CalculateAvgProcessingTime(ctx context.Context, startState, endState string) (*float64, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	var avg *float64
	err = l.gdb.WithContext(ctx).Model(&db.StateTransitionModel{}).
		Where("tenant_id = ? AND from_state = ? AND to_state = ? AND transition_duration IS NOT NULL", tenantID, startState, endState).
		Select("AVG(transition_duration)").Scan(&avg).Error
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDatabaseError, "calculate_avg_processing_time", "query failed", err)
	}
	return avg, nil
}
