package llm

// FeatureFlag names an optional capability a model exposes through a mode
// suffix (see the modelname package). It is advisory, used for the
// registry's /v1/models listing — each adapter still validates which
// suffixes it actually supports at request time.
type FeatureFlag string

const (
	FeatureThinking    FeatureFlag = "thinking"
	FeatureSearch      FeatureFlag = "search"
	FeatureVision      FeatureFlag = "vision"
	FeatureImage       FeatureFlag = "image"
	FeatureVideo       FeatureFlag = "video"
	FeatureLongContext FeatureFlag = "long_context"
	FeatureCode        FeatureFlag = "code"
)

// ModelDescriptor is one entry in the Router's model registry: a public
// base model name (mode suffixes are parsed and matched separately), the
// provider that serves it, and the upstream identifier the adapter sends
// in its place.
type ModelDescriptor struct {
	PublicName   string        `json:"public_name"`
	ProviderID   string        `json:"provider_id"`
	UpstreamName string        `json:"upstream_name"`
	Features     []FeatureFlag `json:"feature_flags,omitempty"`
}
