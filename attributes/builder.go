// Package attributes builds and merges the schemaless JSON attribute bag
// carried on every entity. Three top-level keys are reserved and owned
// by the framework rather than processor authors: "duplicate_detection",
// "source_metadata", and "processor_execution".
package attributes

import (
	"time"

	"github.com/entityflow/entitycore/duplicate"
)

const (
	KeyDuplicateDetection = "duplicate_detection"
	KeySourceMetadata     = "source_metadata"
	KeyProcessorExecution = "processor_execution"
)

// ExecutionRecord is stamped under KeyProcessorExecution on every build,
// recording which processor touched the entity and whether its run
// produced a content change.
type ExecutionRecord struct {
	ProcessorName  string    `json:"processor_name"`
	ExecutedAt     time.Time `json:"executed_at"`
	ContentChanged bool      `json:"content_changed"`
}

// Input carries everything Build might fold into the attribute bag.
type Input struct {
	Detection        *duplicate.Result
	CustomAttributes map[string]interface{}
	ProcessorName    string
	SourceMetadata   map[string]interface{}
	ContentChanged   bool
}

// Build assembles a fresh attribute bag from scratch: custom attributes
// first, then the three reserved keys layered on top so a caller can never
// accidentally clobber them via CustomAttributes.
func Build(in Input) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range in.CustomAttributes {
		if k == KeyDuplicateDetection || k == KeySourceMetadata || k == KeyProcessorExecution {
			continue
		}
		out[k] = v
	}

	if in.Detection != nil {
		out[KeyDuplicateDetection] = *in.Detection
	}
	if in.SourceMetadata != nil {
		out[KeySourceMetadata] = in.SourceMetadata
	}
	out[KeyProcessorExecution] = ExecutionRecord{
		ProcessorName:  in.ProcessorName,
		ExecutedAt:     time.Now().UTC(),
		ContentChanged: in.ContentChanged,
	}
	return out
}

// Merge shallow-merges newAttrs into existing, leaving any key named in
// preserveKeys untouched even if newAttrs supplies a value for it.
func Merge(existing, newAttrs map[string]interface{}, preserveKeys []string) map[string]interface{} {
	preserve := make(map[string]struct{}, len(preserveKeys))
	for _, k := range preserveKeys {
		preserve[k] = struct{}{}
	}

	out := make(map[string]interface{}, len(existing)+len(newAttrs))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range newAttrs {
		if _, skip := preserve[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// UpdateDuplicateDetection sets or merges the reserved duplicate-detection
// entry on an existing attribute bag. When mergeResults is true and a
// previous duplicate_detection result is present, the two are merged
// (duplicate.Merge) rather than replaced outright.
func UpdateDuplicateDetection(existing map[string]interface{}, result duplicate.Result, mergeResults bool) map[string]interface{} {
	out := make(map[string]interface{}, len(existing)+1)
	for k, v := range existing {
		out[k] = v
	}

	if mergeResults {
		if prev, ok := existing[KeyDuplicateDetection].(duplicate.Result); ok {
			result = duplicate.Merge(prev, result)
		}
	}
	out[KeyDuplicateDetection] = result
	return out
}
