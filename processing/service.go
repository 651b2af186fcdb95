package processing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/entityflow/entitycore/apierrors"
	"github.com/entityflow/entitycore/attributes"
	"github.com/entityflow/entitycore/duplicate"
	"github.com/entityflow/entitycore/entity"
	"github.com/entityflow/entitycore/ledger"
	"github.com/entityflow/entitycore/middleware"
	"github.com/entityflow/entitycore/procconfig"
)

// StateTracker is the subset of ledger.Ledger ProcessingService needs. It
// is an explicit, nullable dependency — when absent, ProcessingService
// simply skips state tracking rather than requiring a test double.
type StateTracker interface {
	RecordTransition(ctx context.Context, in ledger.RecordInput) (string, error)
}

// Service is the single write-path entry point for entity processing.
type Service struct {
	repo     entity.Repository
	detector *duplicate.Detector
	tracker  StateTracker // nil means state tracking is disabled
	log      *logrus.Entry
}

// New builds a Service. tracker may be nil. log may be nil, in which case
// logrus.StandardLogger() is used.
func New(repo entity.Repository, detector *duplicate.Detector, tracker StateTracker, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{repo: repo, detector: detector, tracker: tracker, log: log}
}

// ProcessEntity orchestrates the write path per the duplicate/version
// decision matrix: new content hash vs. known hash, new entity vs.
// existing external id.
func (s *Service) ProcessEntity(
	ctx context.Context,
	externalID, canonicalType, source string,
	content map[string]interface{},
	cfg procconfig.ProcessorConfig,
	customAttributes, sourceMetadata map[string]interface{},
) (result Result) {
	start := time.Now()
	defer func() {
		result.ProcessingDurationMs = float64(time.Since(start).Microseconds()) / 1000.0
		if result.Status == "" {
			if result.Success {
				result.Status = StatusSuccess
			} else {
				result.Status = StatusFailure
			}
		}
	}()

	if err := middleware.RequireTenant(func(context.Context) error { return nil })(ctx); err != nil {
		return s.fail(err, "process_entity")
	}

	var detection *duplicate.Result
	if cfg.EnableDuplicateDetection && (cfg.DuplicateDetectionStrategy == "" || cfg.DuplicateDetectionStrategy == "content_hash") {
		d := s.detect(ctx, content, source, externalID, cfg)
		detection = &d
		if d.Reason == duplicate.ReasonDetectionFailed && cfg.FailOnDuplicateDetectionError {
			return s.fail(apierrors.New(apierrors.CodeInternalError, "process_entity.detect_duplicates", "duplicate detection failed"), "process_entity.detect_duplicates")
		}
	}

	existing, err := s.repo.GetByExternalID(ctx, externalID, source, nil, false)
	if err != nil {
		return s.fail(err, "process_entity")
	}
	hasExisting := len(existing) > 0

	attrs := attributes.Build(attributes.Input{
		Detection:        detection,
		CustomAttributes: customAttributes,
		ProcessorName:    cfg.ProcessorName,
		SourceMetadata:   sourceMetadata,
		ContentChanged:   detection == nil || detection.Reason != duplicate.ReasonSameSourceContentMatch,
	})

	var contentHash string
	if detection != nil {
		contentHash = detection.ContentHash
	}

	switch {
	case cfg.IsSourceProcessor && !hasExisting:
		created, err := s.repo.Create(ctx, entity.CreateInput{
			ExternalID:    externalID,
			CanonicalType: canonicalType,
			Source:        source,
			ContentHash:   contentHash,
			Attributes:    attrs,
		})
		if err != nil {
			return s.fail(err, "process_entity.create")
		}
		s.recordTransition(ctx, created.ID, "RECEIVED", "PROCESSING")
		return Result{Success: true, Entity: created, IsNewEntity: true, DuplicateDetection: detection}

	case cfg.IsSourceProcessor && hasExisting:
		// A content hash matching a prior version of this same
		// external_id means nothing actually changed. Skip the write
		// unless the caller explicitly wants a new version regardless.
		if detection != nil && detection.Reason == duplicate.ReasonNewVersion && !cfg.ForceNewVersion {
			current := existing[len(existing)-1]
			return Result{Success: true, Status: StatusSkipped, Entity: current, DuplicateDetection: detection}
		}

		updated, err := s.repo.CreateNewVersion(ctx, externalID, source, contentHash, canonicalType, attrs)
		if err != nil {
			return s.fail(err, "process_entity.create_new_version")
		}
		// Intentionally records PROCESSING->PROCESSING here, not
		// RECEIVED->PROCESSING — a new version of an already-seen entity
		// never passes through RECEIVED.
		s.recordTransition(ctx, updated.ID, "PROCESSING", "PROCESSING")
		return Result{Success: true, Entity: updated, IsNewVersion: true, DuplicateDetection: detection}

	case !cfg.IsSourceProcessor && !hasExisting:
		return Result{
			Success:      false,
			ErrorCode:    string(apierrors.CodeNotFound),
			ErrorMessage: "no existing entity found for non-source processor",
			ErrorDetails: map[string]interface{}{"external_id": externalID, "source": source},
			CanRetry:     false,
		}

	default: // !cfg.IsSourceProcessor && hasExisting
		current := existing[len(existing)-1]
		if cfg.UpdateAttributesOnDuplicate && len(customAttributes) > 0 {
			merged := attributes.Merge(current.Attributes, attrs, cfg.PreserveAttributeKeys)
			updated, err := s.repo.UpdateAttributes(ctx, current.ID, merged)
			if err != nil {
				return s.fail(err, "process_entity.merge_attributes")
			}
			return Result{Success: true, Entity: updated, DuplicateDetection: detection}
		}
		return Result{Success: true, Entity: current, DuplicateDetection: detection}
	}
}

func (s *Service) detect(ctx context.Context, content map[string]interface{}, source, externalID string, cfg procconfig.ProcessorConfig) (res duplicate.Result) {
	defer func() {
		if r := recover(); r != nil {
			if !cfg.FailOnDuplicateDetectionError {
				s.log.WithField("panic", r).Warn("duplicate detection panicked, continuing with DETECTION_FAILED")
			}
			res = duplicate.Result{Reason: duplicate.ReasonDetectionFailed, Metadata: map[string]interface{}{"error": fmt.Sprint(r)}, DetectionTimestamp: time.Now().UTC()}
		}
	}()
	res = s.detector.Detect(ctx, content, source, externalID, cfg.HashConfig, "")
	if cfg.MaxSimilarEntities > 0 {
		if len(res.SimilarEntityIDs) > cfg.MaxSimilarEntities {
			res.SimilarEntityIDs = res.SimilarEntityIDs[:cfg.MaxSimilarEntities]
		}
		if len(res.SimilarEntityExternalIDs) > cfg.MaxSimilarEntities {
			res.SimilarEntityExternalIDs = res.SimilarEntityExternalIDs[:cfg.MaxSimilarEntities]
		}
	}
	return res
}

func (s *Service) recordTransition(ctx context.Context, entityID, from, to string) {
	if s.tracker == nil {
		return
	}
	if _, err := s.tracker.RecordTransition(ctx, ledger.RecordInput{EntityID: entityID, FromState: from, ToState: to}); err != nil {
		s.log.WithField("entity_id", entityID).WithError(err).Warn("state transition write failed, continuing")
	}
}

func (s *Service) fail(err error, op string) Result {
	code, _ := apierrors.CodeOf(err)
	if code == "" {
		code = apierrors.CodeInternalError
	}
	return Result{
		Success:      false,
		ErrorCode:    string(code),
		ErrorMessage: err.Error(),
		ErrorDetails: map[string]interface{}{"operation": op, "service_error_code": string(code)},
		CanRetry:     code == apierrors.CodeDatabaseError || code == apierrors.CodeIntegrationError,
	}
}
