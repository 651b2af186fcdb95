package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntityModelTableName(t *testing.T) {
	assert.Equal(t, "entity", EntityModel{}.TableName())
}

func TestStateTransitionModelTableName(t *testing.T) {
	assert.Equal(t, "state_transition", StateTransitionModel{}.TableName())
}

func TestProcessingErrorModelTableName(t *testing.T) {
	assert.Equal(t, "processing_error", ProcessingErrorModel{}.TableName())
}

func TestTenantModelTableName(t *testing.T) {
	assert.Equal(t, "tenant", TenantModel{}.TableName())
}

func TestEntityModelAttributesRoundTripThroughJSON(t *testing.T) {
	attrs := map[string]interface{}{"color": "red", "count": float64(3)}
	encoded, err := json.Marshal(attrs)
	assert.NoError(t, err)

	e := EntityModel{ID: "e1", TenantID: "t1", ExternalID: "ext-1", Source: "shop", CanonicalType: "order", Version: 1, Attributes: encoded}

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(e.Attributes, &decoded))
	assert.Equal(t, attrs, decoded)
}

func TestStateTransitionModelOptionalDuration(t *testing.T) {
	withoutDuration := StateTransitionModel{ID: "s1", EntityID: "e1", ToState: "RECEIVED", SequenceNumber: 1}
	assert.Nil(t, withoutDuration.TransitionDuration)

	d := 1.5
	withDuration := StateTransitionModel{ID: "s2", EntityID: "e1", ToState: "PROCESSING", SequenceNumber: 2, TransitionDuration: &d}
	assert.Equal(t, 1.5, *withDuration.TransitionDuration)
}

func TestTenantModelZeroValueIsInactive(t *testing.T) {
	// The gorm default tag only applies at insert time; this just pins
	// the zero-value struct's semantics so a future rename of IsActive
	// doesn't silently invert the meaning.
	tenant := TenantModel{TenantID: "t1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	assert.False(t, tenant.IsActive, "zero value is false; AutoMigrate's default:true applies only at the DB layer")
}
