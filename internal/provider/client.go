package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type apiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
	log        zerolog.Logger
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

func newAPIClient(opts Options) *apiClient {
	client := opts.HTTPClient
	if client == nil {
		// Attempt deadlines come from the caller's context.
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 200 * 1024 * 1024
	}
	return &apiClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: client,
		maxBytes:   maxBytes,
		log:        opts.Logger,
	}
}

// do sends a JSON request and decodes the JSON response into out. Failures
// come back as *Error, except context errors which are returned as-is.
func (c *apiClient) do(ctx context.Context, model, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Permanent(model, fmt.Sprintf("marshal request: %v", err))
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Permanent(model, fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransient, Model: model, Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(model, resp.StatusCode, readAPIError(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransient, Model: model, Msg: "decode response", Err: err}
	}
	return nil
}

// download fetches a generated file. Relative URIs resolve against the API base.
func (c *apiClient) download(ctx context.Context, model, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", Permanent(model, fmt.Sprintf("create download request: %v", err))
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &Error{Kind: KindTransient, Model: model, Msg: "download failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", statusError(model, resp.StatusCode, readAPIError(resp.Body))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &Error{Kind: KindTransient, Model: model, Msg: "read download", Err: err}
	}
	if int64(len(data)) > c.maxBytes {
		return nil, "", Permanent(model, fmt.Sprintf("generated file too large (>%d bytes)", c.maxBytes))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func readAPIError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64*1024))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return "no error body"
}
