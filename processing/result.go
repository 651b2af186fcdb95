// Package processing implements the single write-path entry point that
// decides whether incoming content starts a new entity, advances an
// existing one to a new version, or merges attributes onto an entity a
// non-source processor touched.
package processing

import (
	"github.com/entityflow/entitycore/duplicate"
	"github.com/entityflow/entitycore/entity"
)

// Status summarizes the outcome of a ProcessEntity call, independent of
// the entity/version bookkeeping captured elsewhere on Result.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusSkipped Status = "SKIPPED"
)

// Result is the outcome of one ProcessEntity call.
type Result struct {
	Success              bool
	Status               Status
	Entity               *entity.Entity
	IsNewEntity          bool
	IsNewVersion         bool
	DuplicateDetection   *duplicate.Result
	OutputMessages       []map[string]interface{}
	ProcessingMetadata   map[string]interface{}
	ErrorCode            string
	ErrorMessage         string
	ErrorDetails         map[string]interface{}
	CanRetry             bool
	RetryAfterSeconds    float64
	RoutingInfo          map[string]interface{}
	ProcessingDurationMs float64
	ProcessorInfo        map[string]interface{}
}
