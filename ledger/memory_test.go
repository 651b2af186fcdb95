package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityflow/entitycore/ledger"
	"github.com/entityflow/entitycore/message"
	"github.com/entityflow/entitycore/tenant"
)

func withTenant(t *testing.T, id string) context.Context {
	t.Helper()
	ctx, err := tenant.WithTenant(context.Background(), id)
	require.NoError(t, err)
	return ctx
}

func dur(seconds float64) *float64 { return &seconds }

func TestRecordTransitionAssignsGaplessSequence(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	l := ledger.NewMemoryLedger()

	_, err := l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", FromState: "RECEIVED", ToState: "PROCESSING"})
	require.NoError(t, err)
	_, err = l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", FromState: "PROCESSING", ToState: "COMPLETED"})
	require.NoError(t, err)

	history, err := l.GetEntityStateHistory(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, history.Transitions, 2)
	assert.EqualValues(t, 1, history.Transitions[0].SequenceNumber)
	assert.EqualValues(t, 2, history.Transitions[1].SequenceNumber)
	assert.Equal(t, "COMPLETED", history.CurrentState)
	assert.Equal(t, 2, history.TotalTransitions)
}

func TestGetCurrentStateMatchesHistory(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	l := ledger.NewMemoryLedger()

	_, found, err := l.GetCurrentState(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", ToState: "RECEIVED"})
	require.NoError(t, err)

	state, found, err := l.GetCurrentState(ctx, "e1")
	require.NoError(t, err)
	require.True(t, found)

	history, err := l.GetEntityStateHistory(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, history.CurrentState, state)
}

func TestGetEntitiesInStateReturnsMostRecentOnly(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	l := ledger.NewMemoryLedger()

	_, err := l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", ToState: "PROCESSING"})
	require.NoError(t, err)
	_, err = l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", FromState: "PROCESSING", ToState: "COMPLETED"})
	require.NoError(t, err)
	_, err = l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e2", ToState: "PROCESSING"})
	require.NoError(t, err)

	ids, err := l.GetEntitiesInState(ctx, "PROCESSING", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, ids)
}

func TestGetStuckEntitiesAppliesThreshold(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	l := ledger.NewMemoryLedger()

	_, err := l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", ToState: "PROCESSING"})
	require.NoError(t, err)

	stuck, err := l.GetStuckEntities(ctx, "PROCESSING", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, stuck)

	notYetStuck, err := l.GetStuckEntities(ctx, "PROCESSING", 60, 0)
	require.NoError(t, err)
	assert.Empty(t, notYetStuck)
}

func TestGetStateStatistics(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	l := ledger.NewMemoryLedger()

	_, err := l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", FromState: "RECEIVED", ToState: "PROCESSING", TransitionDuration: dur(1.0)})
	require.NoError(t, err)
	_, err = l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", FromState: "PROCESSING", ToState: "SYSTEM_ERROR", TransitionType: ledger.TransitionError, TransitionDuration: dur(3.0)})
	require.NoError(t, err)

	stats, err := l.GetStateStatistics(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.CountsByToState["PROCESSING"])
	assert.Equal(t, 1.0, stats.AvgDurationByFrom["RECEIVED"])
	assert.Equal(t, 0.5, stats.ErrorRate)
	assert.Contains(t, stats.TopErrorStates, "SYSTEM_ERROR")
}

func TestCalculateAvgProcessingTime(t *testing.T) {
	ctx := withTenant(t, "tenant-a")
	l := ledger.NewMemoryLedger()

	_, err := l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e1", FromState: "RECEIVED", ToState: "PROCESSING", TransitionDuration: dur(2.0)})
	require.NoError(t, err)
	_, err = l.RecordTransition(ctx, ledger.RecordInput{EntityID: "e2", FromState: "RECEIVED", ToState: "PROCESSING", TransitionDuration: dur(4.0)})
	require.NoError(t, err)

	avg, err := l.CalculateAvgProcessingTime(ctx, "RECEIVED", "PROCESSING")
	require.NoError(t, err)
	require.NotNil(t, avg)
	assert.Equal(t, 3.0, *avg)

	none, err := l.CalculateAvgProcessingTime(ctx, "RECEIVED", "COMPLETED")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpdateMessageWithStateIsPure(t *testing.T) {
	msg := message.NewEntityMessage(message.EntityReference{}, nil)
	msg.AddMetadata("current_state", "RECEIVED")

	updated := ledger.UpdateMessageWithState(msg, "PROCESSING")
	assert.Equal(t, "RECEIVED", msg.Metadata["current_state"], "original message must be unchanged")
	assert.Equal(t, "PROCESSING", updated.Metadata["current_state"])
	assert.Equal(t, "RECEIVED", updated.Metadata["previous_state"])
	assert.IsType(t, time.Time{}, updated.Metadata["state_changed_at"])
}
