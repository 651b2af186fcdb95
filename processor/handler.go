package processor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/ledger"
	"github.com/entityflow/entitycore/message"
	"github.com/entityflow/entitycore/middleware"
	"github.com/entityflow/entitycore/procconfig"
	"github.com/entityflow/entitycore/procerror"
	"github.com/entityflow/entitycore/processing"
)

// StateTracker is the subset of ledger.Ledger Handler needs.
type StateTracker interface {
	RecordTransition(ctx context.Context, in ledger.RecordInput) (string, error)
}

// ErrorRecorder is the subset of procerror.Ledger Handler needs.
type ErrorRecorder interface {
	RecordError(ctx context.Context, in procerror.RecordInput) (string, error)
}

// Handler wraps a Processor with the standard execution contract:
// validate, process, track state, record errors, classify retries.
// StateTracker, ErrorRecorder and ProcessingService are all explicit
// nullable dependencies — a Handler built for a unit test can omit any
// of them.
type Handler struct {
	processor Processor
	config    procconfig.ProcessorConfig
	service   *processing.Service // nil disables persistence of source results
	tracker   StateTracker        // nil disables state tracking regardless of config
	errors    ErrorRecorder       // nil disables error-ledger writes
	log       *logrus.Entry
}

// New builds a Handler. service, tracker and errors may all be nil.
func New(p Processor, cfg procconfig.ProcessorConfig, service *processing.Service, tracker StateTracker, errors ErrorRecorder, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{processor: p, config: cfg, service: service, tracker: tracker, errors: errors, log: log}
}

// Backoff computes the retry delay for a given retry count:
// min(2^retry_count, 300) seconds.
func Backoff(retryCount int) float64 {
	return math.Min(math.Pow(2, float64(retryCount)), 300)
}

// processingStep returns the ledger step name recorded against errors
// raised during Execute. ProcessingStage, when the processor's config
// sets it, overrides the generic "process" default so a multi-stage
// processor's errors land against the stage that actually failed.
func (h *Handler) processingStep() string {
	if h.config.ProcessingStage != "" {
		return h.config.ProcessingStage
	}
	return "process"
}

// Execute runs the full handler contract step by step: validate,
// process, track state, record errors, classify retries.
func (h *Handler) Execute(ctx context.Context, msg message.Message) Result {
	start := time.Now()
	entityID := msg.EntityReference.EntityID

	isSource := false
	if _, ok := h.processor.(CanonicalConverter); ok {
		isSource = true
	}

	// Step 2: non-source processor with no entity_id can't be processed
	// at all — dead-letter immediately, no ledger writes.
	if !isSource && entityID == nil {
		return Result{
			Success:              false,
			Status:               StatusFailure,
			ErrorCode:            string(apierrors.CodeMissingEntityID),
			ErrorMessage:         "non-source processor received a message with no entity_id",
			CanRetry:             false,
			RoutingInfo:          map[string]interface{}{"dead_letter": true},
			ProcessingDurationMs: msSince(start),
		}
	}

	// Step 3: best-effort RECEIVED->PROCESSING transition.
	if h.config.EnableStateTracking && entityID != nil {
		h.recordTransition(ctx, *entityID, "RECEIVED", "PROCESSING")
	}

	// Step 4: validation.
	if validator, ok := h.processor.(MessageValidator); ok && !validator.ValidateMessage(msg) {
		if entityID != nil {
			h.recordTransition(ctx, *entityID, "PROCESSING", "SYSTEM_ERROR")
			h.recordError(ctx, *entityID, string(apierrors.CodeInvalidMessage), "message failed validation", "validate_message")
		}
		return Result{
			Success:              false,
			Status:               StatusFailure,
			ErrorCode:            string(apierrors.CodeInvalidMessage),
			ErrorMessage:         "message failed validation",
			ErrorDetails:         map[string]interface{}{"validation_details": "message failed validation"},
			CanRetry:             false,
			ProcessingDurationMs: msSince(start),
		}
	}

	// Step 5: invoke the processor, classifying whatever it returns.
	result, err := h.runProcessor(ctx, msg)
	duration := time.Since(start).Seconds()

	if err != nil {
		return h.handleException(ctx, entityID, msg, err, duration)
	}

	result = h.finalize(result, duration)

	if !result.Success {
		// Step 7: processor-reported failure.
		if entityID != nil {
			h.recordTransitionWithDuration(ctx, *entityID, "PROCESSING", "SYSTEM_ERROR", duration)
			h.recordError(ctx, *entityID, result.ErrorCode, result.ErrorMessage, h.processingStep())
		}
		return result
	}

	// Step 6a: source processors persist via ProcessingService.
	finalEntityID := entityID
	if isSource && h.service != nil {
		if converter, ok := h.processor.(CanonicalConverter); ok {
			canonical, convErr := converter.ToCanonical(msg.Payload, msg.Metadata)
			if convErr != nil {
				h.log.WithError(convErr).Warn("to_canonical failed, continuing without persistence")
			} else {
				svcResult := h.service.ProcessEntity(
					ctx,
					msg.EntityReference.ExternalID,
					msg.EntityReference.CanonicalType,
					msg.EntityReference.Source,
					canonical,
					h.config,
					nil, nil,
				)
				if !svcResult.Success {
					h.log.WithField("error_code", svcResult.ErrorCode).Warn("entity persistence failed, processor result still reported as success")
				} else {
					result.EntitiesCreated = appendIfNew(result.EntitiesCreated, svcResult, true)
					result.EntitiesUpdated = appendIfNew(result.EntitiesUpdated, svcResult, false)
					finalEntityID = &svcResult.Entity.ID
				}
			}
		}
	}

	// Step 6b: success transition.
	if finalEntityID != nil {
		h.recordTransitionWithDuration(ctx, *finalEntityID, "PROCESSING", "COMPLETED", duration)
	}
	// Step 6c: stamp processed_at (pure; caller owns msg so we mutate a
	// copy the caller already passed by value).
	msg.MarkProcessed()

	return result
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// finalize stamps the fields every processor-returned Result needs
// regardless of which branch produced it: duration, a default status,
// and — when the wrapped processor opts in — identity/version info for
// the processor_execution attribute record.
func (h *Handler) finalize(result Result, durationSeconds float64) Result {
	result.ProcessingDurationMs = durationSeconds * 1000
	if result.Status == "" {
		if result.Success {
			result.Status = StatusSuccess
		} else {
			result.Status = StatusFailure
		}
	}
	if info, ok := h.processor.(InfoProvider); ok {
		result.ProcessorInfo = info.GetProcessorInfo()
	}
	return result
}

func appendIfNew(ids []string, r processing.Result, wantNew bool) []string {
	if r.Entity == nil {
		return ids
	}
	if (wantNew && r.IsNewEntity) || (!wantNew && !r.IsNewEntity) {
		return append(ids, r.Entity.ID)
	}
	return ids
}

func (h *Handler) runProcessor(ctx context.Context, msg message.Message) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &apierrors.UnexpectedErrorKind{Message: "panic in processor", Cause: toError(rec)}
		}
	}()
	return h.processor.Process(ctx, msg)
}

func toError(rec interface{}) error {
	if e, ok := rec.(error); ok {
		return e
	}
	return apierrors.New(apierrors.CodeInternalError, "processor_panic", "panic recovered")
}

// Step 8: exception classification. Routes through middleware.ClassifyErrors
// so the same normalization/logging every service method applies also
// covers a processor's thrown errors.
func (h *Handler) handleException(ctx context.Context, entityID *string, msg message.Message, err error, duration float64) Result {
	classify := middleware.ClassifyErrors(h.log, "processor_execute", func(context.Context) error { return err })
	classified := classify(ctx)

	var result Result
	switch e := classified.(type) {
	case *apierrors.ValidationErrorKind:
		result = Result{
			Success:      false,
			Status:       StatusFailure,
			ErrorCode:    string(apierrors.CodeValidationFailed),
			ErrorMessage: e.Error(),
			ErrorDetails: map[string]interface{}{"validation_details": e.Error()},
			CanRetry:     false,
		}
	case *apierrors.ServiceErrorKind:
		code, _ := apierrors.CodeOf(err)
		result = Result{
			Success:           false,
			Status:            StatusFailure,
			ErrorCode:         "SERVICE_ERROR",
			ErrorMessage:      e.Error(),
			ErrorDetails:      map[string]interface{}{"service_error_code": string(code)},
			CanRetry:          h.canRetry(e),
			RetryAfterSeconds: Backoff(msg.RetryCount),
		}
	default:
		ue := classified.(*apierrors.UnexpectedErrorKind)
		result = Result{
			Success:           false,
			Status:            StatusFailure,
			ErrorCode:         "UNEXPECTED_ERROR",
			ErrorMessage:      ue.Error(),
			ErrorDetails:      map[string]interface{}{"error_type": fmt.Sprintf("%T", err)},
			CanRetry:          h.canRetry(ue),
			RetryAfterSeconds: Backoff(msg.RetryCount),
		}
	}
	result.ProcessingDurationMs = duration * 1000

	if entityID != nil {
		h.recordTransitionWithDuration(ctx, *entityID, "PROCESSING", "SYSTEM_ERROR", duration)
		h.recordError(ctx, *entityID, result.ErrorCode, result.ErrorMessage, h.processingStep())
	}
	return result
}

func (h *Handler) canRetry(err error) bool {
	if classifier, ok := h.processor.(RetryClassifier); ok {
		return classifier.CanRetry(err)
	}
	return true
}

func (h *Handler) recordTransition(ctx context.Context, entityID, from, to string) {
	h.recordTransitionWithDuration(ctx, entityID, from, to, 0)
}

func (h *Handler) recordTransitionWithDuration(ctx context.Context, entityID, from, to string, durationSeconds float64) {
	if h.tracker == nil || !h.config.EnableStateTracking {
		return
	}
	in := ledger.RecordInput{EntityID: entityID, FromState: from, ToState: to}
	if durationSeconds > 0 {
		in.TransitionDuration = &durationSeconds
	}
	if _, err := h.tracker.RecordTransition(ctx, in); err != nil {
		h.log.WithField("entity_id", entityID).WithError(err).Warn("state transition write failed, continuing")
	}
}

func (h *Handler) recordError(ctx context.Context, entityID, code, msg, step string) {
	if h.errors == nil {
		return
	}
	if _, err := h.errors.RecordError(ctx, procerror.RecordInput{EntityID: entityID, ErrorTypeCode: code, Message: msg, ProcessingStep: step}); err != nil {
		h.log.WithField("entity_id", entityID).WithError(err).Warn("error ledger write failed, continuing")
	}
}
