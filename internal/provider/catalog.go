package provider

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"media-pipeline/internal/models"
)

// Family selects the wire protocol an adapter speaks.
type Family string

const (
	FamilyGemini    Family = "gemini"
	FamilyVeo       Family = "veo"
	FamilySynthetic Family = "synthetic"
)

// Variant is one entry of the closed model catalog.
type Variant struct {
	Model      string
	Capability models.Capability
	Family     Family
	APIModel   string
}

var catalog = map[string]Variant{
	"gemini-2.5-flash-image": {Model: "gemini-2.5-flash-image", Capability: models.CapabilityImage, Family: FamilyGemini, APIModel: "gemini-2.5-flash-image"},
	"veo-3.1-fast":           {Model: "veo-3.1-fast", Capability: models.CapabilityVideo, Family: FamilyVeo, APIModel: "veo-3.1-fast-generate-preview"},
	"veo-3.0-fast":           {Model: "veo-3.0-fast", Capability: models.CapabilityVideo, Family: FamilyVeo, APIModel: "veo-3.0-fast-generate-001"},
	"veo-2.0":                {Model: "veo-2.0", Capability: models.CapabilityVideo, Family: FamilyVeo, APIModel: "veo-2.0-generate-001"},
	"synthetic-image":        {Model: "synthetic-image", Capability: models.CapabilityImage, Family: FamilySynthetic},
	"synthetic-video":        {Model: "synthetic-video", Capability: models.CapabilityVideo, Family: FamilySynthetic},
}

// Lookup returns the catalog entry for a model id.
func Lookup(model string) (Variant, bool) {
	v, ok := catalog[model]
	return v, ok
}

// Known lists every catalog model, sorted.
func Known() []string {
	out := make([]string, 0, len(catalog))
	for m := range catalog {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Options configures adapter construction.
type Options struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
	MaxBytes     int64
	Logger       zerolog.Logger
}

// New builds the adapter for a catalog model. Without an API key every model
// is served by the synthetic adapter under its own name.
func New(model string, opts Options) (Adapter, error) {
	v, ok := Lookup(model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	if v.Family == FamilySynthetic || opts.APIKey == "" {
		return NewSynthetic(v.Model, v.Capability), nil
	}
	api := newAPIClient(opts)
	switch v.Family {
	case FamilyGemini:
		return &GeminiImage{variant: v, api: api}, nil
	case FamilyVeo:
		poll := opts.PollInterval
		if poll <= 0 {
			poll = 5 * time.Second
		}
		return &Veo{variant: v, api: api, poll: poll}, nil
	default:
		return nil, fmt.Errorf("model %q has unsupported family %q", model, v.Family)
	}
}
