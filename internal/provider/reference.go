package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ReferenceFetcher loads the reference media of image-to-* jobs. It accepts
// http(s) URLs, data: URIs and local file paths.
type ReferenceFetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewReferenceFetcher(client *http.Client, maxBytes int64) *ReferenceFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	return &ReferenceFetcher{httpClient: client, maxBytes: maxBytes}
}

const referenceModel = "reference"

// Fetch returns the referenced media. Errors are *Error so a missing or
// oversized reference is permanent while a flaky origin is transient.
func (f *ReferenceFetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, Permanent(referenceModel, "reference is empty")
	case strings.HasPrefix(ref, "data:"):
		return f.decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.download(ctx, ref)
	default:
		return f.readFile(strings.TrimPrefix(ref, "file://"))
	}
}

func (f *ReferenceFetcher) download(ctx context.Context, url string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(referenceModel, fmt.Sprintf("build request: %v", err))
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, Model: referenceModel, Msg: "download reference", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(referenceModel, resp.StatusCode, "download reference")
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Model: referenceModel, Msg: "read reference", Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, Permanent(referenceModel, fmt.Sprintf("reference too large (>%d bytes)", f.maxBytes))
	}
	return &Media{Data: body, MimeType: sniffMIME(resp.Header.Get("Content-Type"), body)}, nil
}

func (f *ReferenceFetcher) decodeDataURI(ref string) (*Media, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, Permanent(referenceModel, "reference data URI must be base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, Permanent(referenceModel, fmt.Sprintf("decode data URI: %v", err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, Permanent(referenceModel, fmt.Sprintf("reference too large (>%d bytes)", f.maxBytes))
	}
	return &Media{Data: data, MimeType: sniffMIME(strings.TrimSuffix(header, ";base64"), data)}, nil
}

func (f *ReferenceFetcher) readFile(path string) (*Media, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Permanent(referenceModel, "reference not found: "+path)
		}
		return nil, &Error{Kind: KindTransient, Model: referenceModel, Msg: "stat reference", Err: err}
	}
	if info.Size() > f.maxBytes {
		return nil, Permanent(referenceModel, fmt.Sprintf("reference too large (>%d bytes)", f.maxBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Model: referenceModel, Msg: "read reference", Err: err}
	}
	return &Media{Data: data, MimeType: sniffMIME("", data)}, nil
}

func sniffMIME(declared string, data []byte) string {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return http.DetectContentType(data)
}
