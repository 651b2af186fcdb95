package attributes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entityflow/entitycore/attributes"
	"github.com/entityflow/entitycore/duplicate"
)

func TestBuildLayersReservedKeysOverCustom(t *testing.T) {
	det := duplicate.Result{Reason: duplicate.ReasonNew, Confidence: 100}
	out := attributes.Build(attributes.Input{
		Detection:        &det,
		CustomAttributes: map[string]interface{}{"color": "red", attributes.KeyDuplicateDetection: "should be overwritten"},
		ProcessorName:    "ingest",
		ContentChanged:   true,
	})

	assert.Equal(t, "red", out["color"])
	assert.Equal(t, det, out[attributes.KeyDuplicateDetection])
	exec, ok := out[attributes.KeyProcessorExecution].(attributes.ExecutionRecord)
	require.True(t, ok)
	assert.Equal(t, "ingest", exec.ProcessorName)
	assert.True(t, exec.ContentChanged)
}

func TestMergePreservesNamedKeys(t *testing.T) {
	existing := map[string]interface{}{"a": 1, "locked": "keep-me"}
	incoming := map[string]interface{}{"a": 2, "locked": "overwrite-attempt", "b": 3}

	out := attributes.Merge(existing, incoming, []string{"locked"})
	assert.Equal(t, 2, out["a"])
	assert.Equal(t, "keep-me", out["locked"])
	assert.Equal(t, 3, out["b"])
}

func TestUpdateDuplicateDetectionMergesWhenRequested(t *testing.T) {
	prev := duplicate.Result{Reason: duplicate.ReasonNewVersion, Confidence: 90, SimilarEntityIDs: []string{"e1"}}
	existing := map[string]interface{}{attributes.KeyDuplicateDetection: prev}

	next := duplicate.Result{Reason: duplicate.ReasonNew, Confidence: 100, SimilarEntityIDs: []string{"e2"}}
	out := attributes.UpdateDuplicateDetection(existing, next, true)

	merged := out[attributes.KeyDuplicateDetection].(duplicate.Result)
	assert.Equal(t, duplicate.ReasonNew, merged.Reason)
	assert.ElementsMatch(t, []string{"e1", "e2"}, merged.SimilarEntityIDs)
}

func TestUpdateDuplicateDetectionReplacesWhenNotMerging(t *testing.T) {
	prev := duplicate.Result{Reason: duplicate.ReasonNewVersion, Confidence: 90}
	existing := map[string]interface{}{attributes.KeyDuplicateDetection: prev}

	next := duplicate.Result{Reason: duplicate.ReasonNew, Confidence: 100}
	out := attributes.UpdateDuplicateDetection(existing, next, false)

	assert.Equal(t, next, out[attributes.KeyDuplicateDetection])
}
