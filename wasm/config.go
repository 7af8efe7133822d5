package wasm

// RuntimeConfig is an immutable set of feature gates and resource limits.
// Each With* method returns a new value; the value returned by
// NewRuntimeConfig() enables every feature this module implements (sign
// extension, saturating truncation, bulk memory, reference types, and
// multi-value results) since they are all part of the spec this interpreter
// targets, not experimental opt-ins.
type RuntimeConfig struct {
	featureSignExtensionOps    bool
	featureSaturatingTruncation bool
	featureBulkMemoryOperations bool
	featureReferenceTypes       bool
	featureMultiValue           bool
	maxCallDepth                int
}

// defaultMaxCallDepth bounds guest-call recursion so that runaway guest
// recursion becomes a trap instead of a host stack overflow.
const defaultMaxCallDepth = 2048

// NewRuntimeConfig returns the default configuration: every supported
// post-MVP feature enabled, with the default recursion depth guard.
func NewRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		featureSignExtensionOps:     true,
		featureSaturatingTruncation: true,
		featureBulkMemoryOperations: true,
		featureReferenceTypes:       true,
		featureMultiValue:           true,
		maxCallDepth:                defaultMaxCallDepth,
	}
}

func (c RuntimeConfig) WithFeatureSignExtensionOps(v bool) RuntimeConfig {
	c.featureSignExtensionOps = v
	return c
}

func (c RuntimeConfig) WithFeatureSaturatingTruncation(v bool) RuntimeConfig {
	c.featureSaturatingTruncation = v
	return c
}

func (c RuntimeConfig) WithFeatureBulkMemoryOperations(v bool) RuntimeConfig {
	c.featureBulkMemoryOperations = v
	return c
}

func (c RuntimeConfig) WithFeatureReferenceTypes(v bool) RuntimeConfig {
	c.featureReferenceTypes = v
	return c
}

func (c RuntimeConfig) WithFeatureMultiValue(v bool) RuntimeConfig {
	c.featureMultiValue = v
	return c
}

// WithMaxCallDepth bounds the depth of nested guest function calls. A
// value <= 0 disables the guard (not recommended outside of tests).
func (c RuntimeConfig) WithMaxCallDepth(n int) RuntimeConfig {
	c.maxCallDepth = n
	return c
}
