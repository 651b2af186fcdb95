package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/tenant"
)

// MemoryLedger is an in-process Ledger, analogous to entity.MemoryRepository:
// it exists so ProcessorHandler/ProcessingService tests don't need a live
// Postgres instance. Sequence numbers are assigned under a per-entity
// counter, giving the gapless-from-1, strictly-increasing ordering the
// spec requires without needing a transaction.
type MemoryLedger struct {
	mu       sync.Mutex
	rows     map[string][]Transition // by entity id, append-only, in sequence order
	tenantOf map[string]string       // entity id -> tenant id, for isolation
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows:     make(map[string][]Transition),
		tenantOf: make(map[string]string),
	}
}

func (l *MemoryLedger) RecordTransition(ctx context.Context, in RecordInput) (string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return "", err
	}
	if in.EntityID == "" {
		return "", apierrors.New(apierrors.CodeValidationFailed, "record_transition", "entity_id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, ok := l.tenantOf[in.EntityID]; ok && owner != tenantID {
		return "", apierrors.New(apierrors.CodeValidationFailed, "record_transition", "entity belongs to a different tenant")
	}
	l.tenantOf[in.EntityID] = tenantID

	transitionType := in.TransitionType
	if transitionType == "" {
		transitionType = TransitionNormal
	}

	t := Transition{
		ID:                 uuid.NewString(),
		EntityID:           in.EntityID,
		TenantID:           tenantID,
		SequenceNumber:     int64(len(l.rows[in.EntityID]) + 1),
		FromState:          in.FromState,
		ToState:            in.ToState,
		Actor:              in.Actor,
		TransitionType:     transitionType,
		ProcessorData:      in.ProcessorData,
		QueueSource:        in.QueueSource,
		QueueDestination:   in.QueueDestination,
		Notes:              in.Notes,
		TransitionDuration: in.TransitionDuration,
		CreatedAt:          time.Now().UTC(),
	}
	l.rows[in.EntityID] = append(l.rows[in.EntityID], t)
	return t.ID, nil
}

func (l *MemoryLedger) entityTransitions(tenantID, entityID string) []Transition {
	if l.tenantOf[entityID] != tenantID {
		return nil
	}
	rows := l.rows[entityID]
	out := make([]Transition, len(rows))
	copy(out, rows)
	return out
}

func (l *MemoryLedger) GetEntityStateHistory(ctx context.Context, entityID string) (*History, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := l.entityTransitions(tenantID, entityID)
	if len(rows) == 0 {
		return nil, nil
	}

	var totalDuration float64
	for _, r := range rows {
		if r.TransitionDuration != nil {
			totalDuration += *r.TransitionDuration
		}
	}

	return &History{
		Transitions:         rows,
		CurrentState:        rows[len(rows)-1].ToState,
		TotalTransitions:    len(rows),
		FirstSeen:           rows[0].CreatedAt,
		LastUpdated:         rows[len(rows)-1].CreatedAt,
		TotalProcessingTime: totalDuration,
	}, nil
}

func (l *MemoryLedger) GetCurrentState(ctx context.Context, entityID string) (string, bool, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := l.entityTransitions(tenantID, entityID)
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[len(rows)-1].ToState, true, nil
}

// latestPerEntityLocked returns, for every entity visible to tenantID,
// its most recent transition (the per-entity argmax on SequenceNumber).
// Must be called with l.mu held.
func (l *MemoryLedger) latestPerEntityLocked(tenantID string) map[string]Transition {
	latest := make(map[string]Transition)
	for entityID, owner := range l.tenantOf {
		if owner != tenantID {
			continue
		}
		rows := l.rows[entityID]
		if len(rows) == 0 {
			continue
		}
		latest[entityID] = rows[len(rows)-1]
	}
	return latest
}

func (l *MemoryLedger) GetEntitiesInState(ctx context.Context, state string, limit, offset int) ([]string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for entityID, last := range l.latestPerEntityLocked(tenantID) {
		if last.ToState == state {
			ids = append(ids, entityID)
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

func (l *MemoryLedger) GetStuckEntities(ctx context.Context, state string, thresholdMinutes int, limit int) ([]string, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(thresholdMinutes) * time.Minute)
	var ids []string
	for entityID, last := range l.latestPerEntityLocked(tenantID) {
		if last.ToState == state && last.CreatedAt.Before(cutoff) {
			ids = append(ids, entityID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

func (l *MemoryLedger) GetStateStatistics(ctx context.Context, start, end *time.Time) (*Statistics, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	countsByTo := map[string]int{}
	durationsByFrom := map[string][]float64{}
	errorCountsByTo := map[string]int{}
	total := 0
	errorCount := 0

	for entityID, owner := range l.tenantOf {
		if owner != tenantID {
			continue
		}
		for _, t := range l.rows[entityID] {
			if start != nil && t.CreatedAt.Before(*start) {
				continue
			}
			if end != nil && t.CreatedAt.After(*end) {
				continue
			}
			total++
			countsByTo[t.ToState]++
			if t.TransitionDuration != nil {
				durationsByFrom[t.FromState] = append(durationsByFrom[t.FromState], *t.TransitionDuration)
			}
			if t.TransitionType == TransitionError {
				errorCount++
				errorCountsByTo[t.ToState]++
			}
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
	if total > 0 {
		errorRate = float64(errorCount) / float64(total)
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

	return &Statistics{
		Total:             total,
		CountsByToState:   countsByTo,
		AvgDurationByFrom: avgByFrom,
		ErrorRate:         errorRate,
		TopErrorStates:    top,
	}, nil
}

func (l *MemoryLedger) CalculateAvgProcessingTime(ctx context.Context, startState, endState string) (*float64, error) {
	tenantID, err := tenant.RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var sum float64
	var n int
	for entityID, owner := range l.tenantOf {
		if owner != tenantID {
			continue
		}
		for _, t := range l.rows[entityID] {
			if t.FromState == startState && t.ToState == endState && t.TransitionDuration != nil {
				sum += *t.TransitionDuration
				n++
			}
		}
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum / float64(n)
	return &avg, nil
}
