// Package procconfig holds the configuration surface for processor
// behavior — duplicate detection, versioning strategy, and the various
// opt-in knobs ProcessorHandler and ProcessingService consult.
package procconfig

// HashConfig controls how content hashes are computed for duplicate
// detection: which fields of the canonical content participate, and which
// algorithm produces the fingerprint.
type HashConfig struct {
	FieldsToInclude []string // empty means "all fields"
	FieldsToExclude []string
	Algorithm       string // "sha256" (default), "sha1", "md5"
}

// DefaultHashConfig returns the default hash config: sha-256 over every field.
func DefaultHashConfig() HashConfig {
	return HashConfig{Algorithm: "sha256"}
}

// ProcessorConfig is the per-processor configuration recognized by
// ProcessingService and ProcessorHandler.
type ProcessorConfig struct {
	ProcessorName    string
	ProcessorVersion string

	EnableDuplicateDetection  bool
	DuplicateDetectionStrategy string // "content_hash" | "custom"
	HashConfig                HashConfig

	ForceNewVersion bool
	IsSourceProcessor bool
	IsTerminalProcessor bool

	UpdateAttributesOnDuplicate bool
	PreserveAttributeKeys       []string

	EnableStateTracking bool

	FailOnDuplicateDetectionError bool
	MaxSimilarEntities            int

	ProcessingStage string
	CustomConfig    map[string]interface{}
}

// New returns a ProcessorConfig with the same defaults as the original
// implementation's ProcessorConfig model.
func New(processorName string) ProcessorConfig {
	return ProcessorConfig{
		ProcessorName:               processorName,
		ProcessorVersion:            "1.0.0",
		EnableDuplicateDetection:    true,
		DuplicateDetectionStrategy:  "content_hash",
		HashConfig:                  DefaultHashConfig(),
		IsSourceProcessor:           true,
		UpdateAttributesOnDuplicate: true,
		MaxSimilarEntities:          10,
		CustomConfig:                map[string]interface{}{},
	}
}
