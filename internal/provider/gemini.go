package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"media-pipeline/internal/models"
)

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

// Finish reasons that mean the model refused the content.
var geminiBlockedReasons = map[string]bool{
	"SAFETY":             true,
	"IMAGE_SAFETY":       true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"RECITATION":         true,
}

// GeminiImage calls generateContent on a Gemini image model.
type GeminiImage struct {
	variant Variant
	api     *apiClient
}

func (g *GeminiImage) Model() string                 { return g.variant.Model }
func (g *GeminiImage) Capability() models.Capability { return models.CapabilityImage }

func (g *GeminiImage) Generate(ctx context.Context, req Request) (Output, error) {
	parts := []geminiPart{{Text: imagePrompt(req)}}
	if req.Reference != nil && len(req.Reference.Data) > 0 {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: firstNonEmpty(req.Reference.MimeType, "image/png"),
			Data:     base64.StdEncoding.EncodeToString(req.Reference.Data),
		}})
	}
	payload := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"IMAGE"}},
	}

	var resp geminiResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(g.variant.APIModel))
	if err := g.api.do(ctx, g.Model(), http.MethodPost, path, payload, &resp); err != nil {
		return Output{}, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Output{}, Permanent(g.Model(), "prompt blocked: "+resp.PromptFeedback.BlockReason)
	}
	var blocked string
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return Output{}, Transient(g.Model(), fmt.Sprintf("decode inline data: %v", err))
			}
			return Output{Data: data, MediaType: firstNonEmpty(part.InlineData.MimeType, "image/png")}, nil
		}
		if geminiBlockedReasons[cand.FinishReason] {
			blocked = cand.FinishReason
		}
	}
	if blocked != "" {
		return Output{}, Permanent(g.Model(), "content blocked: "+blocked)
	}
	return Output{}, Transient(g.Model(), "no image returned")
}

func imagePrompt(req Request) string {
	prompt := strings.TrimSpace(req.Prompt)
	if req.Mode == models.ModeImageToImage && req.Reference != nil {
		if prompt == "" {
			return "Create a new variation of the attached image."
		}
		return prompt + "\nUse the attached image as the visual reference."
	}
	if prompt == "" {
		return "Create a storyboard frame."
	}
	return prompt
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
