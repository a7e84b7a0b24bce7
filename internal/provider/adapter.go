package provider

import (
	"context"

	"media-pipeline/internal/models"
)

// Media is an in-memory image or video with its MIME type.
type Media struct {
	Data     []byte
	MimeType string
}

// Request is what a single generation attempt needs.
type Request struct {
	JobID     string
	Mode      models.Mode
	Prompt    string
	Reference *Media
}

// Output is the raw artifact produced by an adapter.
type Output struct {
	Data      []byte
	MediaType string
}

// Adapter wraps one third-party model behind submit → artifact or error.
// Generate must honor ctx cancellation and return a *Error (or a context
// error) so the chain can classify the attempt.
type Adapter interface {
	Model() string
	Capability() models.Capability
	Generate(ctx context.Context, req Request) (Output, error)
}
