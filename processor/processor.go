// Package processor implements the execution wrapper every processor
// runs inside. It standardizes timing, validation, state tracking,
// error classification and retry signaling so individual processors
// only need to implement business logic.
package processor

import (
	"context"

	"github.com/entityflow/entitycore/message"
)

// Status summarizes the outcome of one Handler.Execute call, independent
// of the retryability/entity bookkeeping captured elsewhere on Result.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailure        Status = "FAILURE"
	StatusSkipped        Status = "SKIPPED"
)

// Result is what a processor (and, ultimately, Handler.Execute) reports
// back to the host about one message.
type Result struct {
	Success              bool
	Status               Status
	EntitiesCreated      []string
	EntitiesUpdated      []string
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

// Processor is the single required capability: turn a message into a
// Result. Everything else below is optional and detected via type
// assertion, mirroring the original's duck-typed optional hooks.
type Processor interface {
	Process(ctx context.Context, msg message.Message) (Result, error)
}

// MessageValidator is implemented by processors that need to reject a
// message before Process is even attempted. Absent, every message is
// considered valid.
type MessageValidator interface {
	ValidateMessage(msg message.Message) bool
}

// RetryClassifier is implemented by processors with opinions about which
// errors are worth retrying. Absent, every non-validation error is
// considered retryable.
type RetryClassifier interface {
	CanRetry(err error) bool
}

// InfoProvider exposes processor identity/version for logging and the
// processor_execution attribute record.
type InfoProvider interface {
	GetProcessorInfo() map[string]interface{}
}

// CanonicalConverter is implemented by source processors: its presence is
// what identifies a processor as a source processor to Handler, distinct
// from ProcessorConfig.IsSourceProcessor which only configures downstream
// behavior.
type CanonicalConverter interface {
	ToCanonical(externalData, metadata map[string]interface{}) (map[string]interface{}, error)
}
