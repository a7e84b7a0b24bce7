package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"media-pipeline/internal/models"
)

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type veoInstance struct {
	Prompt string    `json:"prompt"`
	Image  *veoImage `json:"image,omitempty"`
}

type veoParameters struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type veoRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
			RAIMediaFilteredCount   int      `json:"raiMediaFilteredCount"`
			RAIMediaFilteredReasons []string `json:"raiMediaFilteredReasons"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

// Veo submits a long-running video generation and polls it to completion.
type Veo struct {
	variant Variant
	api     *apiClient
	poll    time.Duration
}

func (v *Veo) Model() string                 { return v.variant.Model }
func (v *Veo) Capability() models.Capability { return models.CapabilityVideo }

func (v *Veo) Generate(ctx context.Context, req Request) (Output, error) {
	inst := veoInstance{Prompt: strings.TrimSpace(req.Prompt)}
	if req.Reference != nil && len(req.Reference.Data) > 0 {
		inst.Image = &veoImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.Reference.Data),
			MimeType:           firstNonEmpty(req.Reference.MimeType, "image/png"),
		}
	}
	payload := veoRequest{Instances: []veoInstance{inst}, Parameters: veoParameters{AspectRatio: "16:9"}}

	var op veoOperation
	path := fmt.Sprintf("/models/%s:predictLongRunning", url.PathEscape(v.variant.APIModel))
	if err := v.api.do(ctx, v.Model(), http.MethodPost, path, payload, &op); err != nil {
		return Output{}, err
	}
	if op.Name == "" && !op.Done {
		return Output{}, Transient(v.Model(), "no operation returned")
	}

	ticker := time.NewTicker(v.poll)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-ticker.C:
		}
		name := op.Name
		op = veoOperation{}
		if err := v.api.do(ctx, v.Model(), http.MethodGet, "/"+strings.TrimLeft(name, "/"), nil, &op); err != nil {
			return Output{}, err
		}
		if op.Name == "" {
			op.Name = name
		}
	}

	if op.Error != nil {
		return Output{}, operationError(v.Model(), op.Error.Code, op.Error.Message)
	}
	if op.Response == nil {
		return Output{}, Transient(v.Model(), "operation finished without a response")
	}
	res := op.Response.GenerateVideoResponse
	for _, sample := range res.GeneratedSamples {
		if sample.Video.URI == "" {
			continue
		}
		data, mime, err := v.api.download(ctx, v.Model(), sample.Video.URI)
		if err != nil {
			return Output{}, err
		}
		if len(data) == 0 {
			return Output{}, Transient(v.Model(), "empty video download")
		}
		if !strings.HasPrefix(mime, "video/") {
			mime = "video/mp4"
		}
		return Output{Data: data, MediaType: mime}, nil
	}
	if res.RAIMediaFilteredCount > 0 {
		return Output{}, Permanent(v.Model(), "filtered by responsible-AI policy: "+strings.Join(res.RAIMediaFilteredReasons, "; "))
	}
	return Output{}, Transient(v.Model(), "no video returned")
}

// operationError classifies the error of a finished operation. Codes in the
// HTTP range follow HTTP rules; the rest are RPC codes where only
// INVALID_ARGUMENT, PERMISSION_DENIED and FAILED_PRECONDITION are final.
func operationError(model string, code int, msg string) *Error {
	if code >= 400 {
		return statusError(model, code, msg)
	}
	switch code {
	case 3, 7, 9:
		return &Error{Kind: KindPermanent, Model: model, Msg: msg}
	default:
		return &Error{Kind: KindTransient, Model: model, Msg: msg}
	}
}
