// Package duplicate implements content-hash based duplicate detection:
// fingerprint canonical content, look up prior entities by that
// fingerprint, and classify the result as a new entity, a new version
// of an existing one, or a suspicious cross-entity content match.
package duplicate

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/entityflow/entitycore/procconfig"
)

// Reason is the classification a detection run assigns.
type Reason string

const (
	ReasonNew                   Reason = "NEW"
	ReasonNewVersion            Reason = "NEW_VERSION"
	ReasonSameSourceContentMatch Reason = "SAME_SOURCE_CONTENT_MATCH"
	ReasonDetectionFailed       Reason = "DETECTION_FAILED"
)

// Result is attached to an entity's attributes under the reserved
// "duplicate_detection" key.
type Result struct {
	IsDuplicate              bool                   `json:"is_duplicate"`
	Confidence               int                    `json:"confidence"`
	Reason                   Reason                 `json:"reason"`
	SimilarEntityIDs         []string               `json:"similar_entity_ids"`
	SimilarEntityExternalIDs []string               `json:"similar_entity_external_ids"`
	ContentHash              string                 `json:"content_hash"`
	IsSuspicious             bool                   `json:"is_suspicious"`
	Metadata                 map[string]interface{} `json:"metadata"`
	DetectionTimestamp       time.Time              `json:"detection_timestamp"`
}

// Merge combines two Results, keeping the higher-confidence one as the
// base, unioning similar-id lists, and merging metadata (b wins on key
// conflict).
func Merge(a, b Result) Result {
	base := a
	if b.Confidence > a.Confidence {
		base = b
	}

	merged := base
	merged.SimilarEntityIDs = unionStrings(a.SimilarEntityIDs, b.SimilarEntityIDs)
	merged.SimilarEntityExternalIDs = unionStrings(a.SimilarEntityExternalIDs, b.SimilarEntityExternalIDs)

	meta := make(map[string]interface{}, len(a.Metadata)+len(b.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	for k, v := range b.Metadata {
		meta[k] = v
	}
	merged.Metadata = meta
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Lookup is the storage query a Detector needs: find an entity by its
// content hash within (source), excluding excludeEntityID if set.
type Lookup interface {
	FindByContentHash(ctx context.Context, source, contentHash, excludeEntityID string) (entityID, externalID string, found bool, err error)
}

// Detector runs content-hash based duplicate detection.
type Detector struct {
	lookup Lookup
}

// New builds a Detector backed by the given storage lookup.
func New(lookup Lookup) *Detector {
	return &Detector{lookup: lookup}
}

// Detect runs the duplicate-detection algorithm. It never returns a
// Go error for ordinary detection outcomes — internal failures are
// reported as a ReasonDetectionFailed Result so the caller can decide,
// via ProcessorConfig.FailOnDuplicateDetectionError, whether to fail-open
// or fail-closed.
func (d *Detector) Detect(ctx context.Context, content map[string]interface{}, source, externalID string, cfg procconfig.HashConfig, excludeEntityID string) Result {
	now := time.Now().UTC()

	hash, err := ComputeHash(content, cfg)
	if err != nil {
		return Result{
			IsDuplicate:        false,
			Confidence:         0,
			Reason:             ReasonDetectionFailed,
			Metadata:           map[string]interface{}{"error": err.Error()},
			DetectionTimestamp: now,
		}
	}

	matchID, matchExternalID, found, err := d.lookup.FindByContentHash(ctx, source, hash, excludeEntityID)
	if err != nil {
		return Result{
			IsDuplicate:        false,
			Confidence:         0,
			Reason:             ReasonDetectionFailed,
			ContentHash:        hash,
			Metadata:           map[string]interface{}{"error": err.Error()},
			DetectionTimestamp: now,
		}
	}

	if !found {
		return Result{
			IsDuplicate:        false,
			Confidence:         100,
			Reason:             ReasonNew,
			ContentHash:        hash,
			Metadata:           map[string]interface{}{},
			DetectionTimestamp: now,
		}
	}

	if matchExternalID == externalID {
		return Result{
			IsDuplicate:        true,
			Confidence:         90,
			Reason:             ReasonNewVersion,
			IsSuspicious:       false,
			ContentHash:        hash,
			SimilarEntityIDs:   []string{matchID},
			SimilarEntityExternalIDs: []string{matchExternalID},
			Metadata:           map[string]interface{}{},
			DetectionTimestamp: now,
		}
	}

	return Result{
		IsDuplicate:              true,
		Confidence:               90,
		Reason:                   ReasonSameSourceContentMatch,
		IsSuspicious:             true,
		ContentHash:              hash,
		SimilarEntityIDs:         []string{matchID},
		SimilarEntityExternalIDs: []string{matchExternalID},
		Metadata:                 map[string]interface{}{},
		DetectionTimestamp:       now,
	}
}

// ComputeHash fingerprints content by serializing it to sorted-key JSON
// (after applying cfg's include/exclude lists) and hashing with cfg's
// algorithm (sha256 by default).
func ComputeHash(content map[string]interface{}, cfg procconfig.HashConfig) (string, error) {
	filtered := filterFields(content, cfg)

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		valJSON, err := json.Marshal(filtered[k])
		if err != nil {
			return "", err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')

	switch cfg.Algorithm {
	case "sha1":
		sum := sha1.Sum(ordered)
		return hex.EncodeToString(sum[:]), nil
	case "md5":
		sum := md5.Sum(ordered)
		return hex.EncodeToString(sum[:]), nil
	case "", "sha256":
		sum := sha256.Sum256(ordered)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", cfg.Algorithm)
	}
}

func filterFields(content map[string]interface{}, cfg procconfig.HashConfig) map[string]interface{} {
	if len(cfg.FieldsToInclude) == 0 && len(cfg.FieldsToExclude) == 0 {
		return content
	}

	out := make(map[string]interface{}, len(content))
	include := toSet(cfg.FieldsToInclude)
	exclude := toSet(cfg.FieldsToExclude)

	for k, v := range content {
		if len(include) > 0 {
			if _, ok := include[k]; !ok {
				continue
			}
		}
		if _, ok := exclude[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}
