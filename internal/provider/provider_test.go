package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"media-pipeline/internal/logging"
	"media-pipeline/internal/models"
)

func testOptions(srv *httptest.Server) Options {
	return Options{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		HTTPClient:   srv.Client(),
		PollInterval: 5 * time.Millisecond,
		Logger:       logging.Discard(),
	}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGeminiImageSuccessSendsReference(t *testing.T) {
	want := tinyPNG(t)
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash-image:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("api key header missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":%q}}]}}]}`,
			base64.StdEncoding.EncodeToString(want))
	}))
	defer srv.Close()

	a, err := New("gemini-2.5-flash-image", testOptions(srv))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	out, err := a.Generate(context.Background(), Request{
		Mode:      models.ModeImageToImage,
		Prompt:    "hero stands on a cliff",
		Reference: &Media{Data: []byte("ref"), MimeType: "image/jpeg"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(out.Data, want) || out.MediaType != "image/png" {
		t.Fatalf("unexpected output %s (%d bytes)", out.MediaType, len(out.Data))
	}
	parts := gotBody.Contents[0].Parts
	if len(parts) != 2 || parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/jpeg" {
		t.Fatalf("reference not attached: %#v", parts)
	}
}

func TestGeminiImageClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   models.AttemptOutcome
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota"}}`, models.OutcomeTransientError},
		{"server error", http.StatusServiceUnavailable, `overloaded`, models.OutcomeTransientError},
		{"bad request", http.StatusBadRequest, `{"error":{"code":400,"message":"bad prompt"}}`, models.OutcomePermanentError},
		{"safety block", http.StatusOK, `{"candidates":[{"content":{"parts":[]},"finishReason":"IMAGE_SAFETY"}]}`, models.OutcomePermanentError},
		{"prompt block", http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`, models.OutcomePermanentError},
		{"empty output", http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"no image"}]},"finishReason":"STOP"}]}`, models.OutcomeTransientError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			a, _ := New("gemini-2.5-flash-image", testOptions(srv))
			_, err := a.Generate(context.Background(), Request{Mode: models.ModeTextToImage, Prompt: "x"})
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := Classify(err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", err, got, tc.want)
			}
		})
	}
}

func TestVeoPollsOperationAndDownloads(t *testing.T) {
	var polls atomic.Int32
	video := []byte("\x00\x00\x00\x18ftypmp42")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/veo-3.1-fast-generate-preview:predictLongRunning":
			fmt.Fprint(w, `{"name":"operations/op-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/operations/op-1":
			if polls.Add(1) < 2 {
				fmt.Fprint(w, `{"name":"operations/op-1","done":false}`)
				return
			}
			fmt.Fprintf(w, `{"name":"operations/op-1","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"%s/files/v1:download"}}]}}}`, "http://"+r.Host)
		case r.URL.Path == "/files/v1:download":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write(video)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := New("veo-3.1-fast", testOptions(srv))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	out, err := a.Generate(context.Background(), Request{Mode: models.ModeTextToVideo, Prompt: "sunrise over hills"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(out.Data, video) || out.MediaType != "video/mp4" {
		t.Fatalf("unexpected output %#v", out)
	}
	if polls.Load() != 2 {
		t.Fatalf("polled %d times, want 2", polls.Load())
	}
}

func TestVeoFilteredIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"operations/op-2","done":true,"response":{"generateVideoResponse":{"raiMediaFilteredCount":1,"raiMediaFilteredReasons":["celebrity likeness"]}}}`)
	}))
	defer srv.Close()

	a, _ := New("veo-2.0", testOptions(srv))
	_, err := a.Generate(context.Background(), Request{Mode: models.ModeTextToVideo, Prompt: "x"})
	if Classify(err) != models.OutcomePermanentError {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "celebrity likeness") {
		t.Fatalf("reason missing from %v", err)
	}
}

func TestVeoTimeoutWhilePolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"operations/slow","done":false}`)
	}))
	defer srv.Close()

	a, _ := New("veo-3.0-fast", testOptions(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.Generate(ctx, Request{Mode: models.ModeTextToVideo, Prompt: "x"})
	if Classify(err) != models.OutcomeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestNewWithoutKeyIsSynthetic(t *testing.T) {
	a, err := New("veo-3.1-fast", Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := a.(*Synthetic); !ok {
		t.Fatalf("expected synthetic adapter, got %T", a)
	}
	if a.Model() != "veo-3.1-fast" || a.Capability() != models.CapabilityVideo {
		t.Fatalf("synthetic adapter lost identity: %s/%s", a.Model(), a.Capability())
	}
	if _, err := New("dall-e", Options{}); err == nil {
		t.Fatalf("unknown model accepted")
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	s := NewSynthetic("synthetic-image", models.CapabilityImage)
	req := Request{Mode: models.ModeTextToImage, Prompt: "castle at night"}
	a, err := s.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := s.Generate(context.Background(), req)
	if !bytes.Equal(a.Data, b.Data) {
		t.Fatalf("synthetic output not deterministic")
	}

	withRef, err := s.Generate(context.Background(), Request{
		Mode:      models.ModeImageToImage,
		Prompt:    "castle at night",
		Reference: &Media{Data: tinyPNG(t), MimeType: "image/png"},
	})
	if err != nil {
		t.Fatalf("generate with reference: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(withRef.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != syntheticWidth || img.Bounds().Dy() != syntheticHeight {
		t.Fatalf("reference not scaled to canvas: %v", img.Bounds())
	}
}

func TestReferenceFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("12345"))
		case "/big.png":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
		case "/flaky.png":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewReferenceFetcher(srv.Client(), 32)
	ctx := context.Background()

	m, err := f.Fetch(ctx, srv.URL+"/ok.png")
	if err != nil || string(m.Data) != "12345" || m.MimeType != "image/png" {
		t.Fatalf("fetch ok: %#v %v", m, err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/big.png"); Classify(err) != models.OutcomePermanentError {
		t.Fatalf("oversized reference should be permanent, got %v", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/missing.png"); Classify(err) != models.OutcomePermanentError {
		t.Fatalf("missing reference should be permanent, got %v", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/flaky.png"); Classify(err) != models.OutcomeTransientError {
		t.Fatalf("5xx reference should be transient, got %v", err)
	}
	m, err = f.Fetch(ctx, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("abc")))
	if err != nil || string(m.Data) != "abc" {
		t.Fatalf("data uri: %#v %v", m, err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(context.DeadlineExceeded) != models.OutcomeTimeout {
		t.Fatalf("deadline should be timeout")
	}
	if Classify(fmt.Errorf("wrapped: %w", Permanent("m", "nope"))) != models.OutcomePermanentError {
		t.Fatalf("wrapped permanent lost")
	}
	if Classify(errors.New("mystery")) != models.OutcomeTransientError {
		t.Fatalf("unknown errors should be transient")
	}
}
