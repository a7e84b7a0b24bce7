package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"

	"media-pipeline/internal/models"
)

const (
	syntheticWidth  = 512
	syntheticHeight = 288
)

// Synthetic renders deterministic placeholder media. It stands in for real
// models in local development when no API key is configured.
type Synthetic struct {
	model      string
	capability models.Capability
}

func NewSynthetic(model string, capability models.Capability) *Synthetic {
	return &Synthetic{model: model, capability: capability}
}

func (s *Synthetic) Model() string                 { return s.model }
func (s *Synthetic) Capability() models.Capability { return s.capability }

func (s *Synthetic) Generate(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	seed := deterministicSeed(s.model, string(req.Mode), req.Prompt)
	if s.capability == models.CapabilityVideo {
		return Output{Data: syntheticVideo(seed, req.Prompt), MediaType: "video/mp4"}, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, syntheticWidth, syntheticHeight))
	if req.Reference != nil && len(req.Reference.Data) > 0 {
		src, _, err := image.Decode(bytes.NewReader(req.Reference.Data))
		if err != nil {
			return Output{}, Permanent(s.model, fmt.Sprintf("decode reference image: %v", err))
		}
		draw.CatmullRom.Scale(img, img.Bounds(), src, src.Bounds(), draw.Src, nil)
		tint := colorFromSeed(seed, 0)
		tint.A = 96
		draw.Draw(img, img.Bounds(), &image.Uniform{tint}, image.Point{}, draw.Over)
	} else {
		paintStripes(img, seed)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Output{}, Transient(s.model, fmt.Sprintf("encode image: %v", err))
	}
	return Output{Data: buf.Bytes(), MediaType: "image/png"}, nil
}

func paintStripes(img *image.RGBA, seed string) {
	b := img.Bounds()
	draw.Draw(img, b, &image.Uniform{colorFromSeed(seed, 0)}, image.Point{}, draw.Src)
	accent := &image.Uniform{colorFromSeed(seed, 1)}
	stripe := b.Dy() / 8
	for y := 0; y < b.Dy(); y += stripe * 2 {
		draw.Draw(img, image.Rect(0, y, b.Dx(), min(b.Dy(), y+stripe)), accent, image.Point{}, draw.Over)
	}
}

// syntheticVideo returns a minimal ISO-BMFF container: an ftyp box followed by
// a free box holding the seed and prompt.
func syntheticVideo(seed, prompt string) []byte {
	var buf bytes.Buffer
	ftyp := []byte("ftypisom\x00\x00\x02\x00isomiso2mp41")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ftyp)+4))
	buf.Write(ftyp)
	note := []byte("free" + "synthetic " + seed + " " + strings.TrimSpace(prompt))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(note)+4))
	buf.Write(note)
	return buf.Bytes()
}

func deterministicSeed(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))[:18]
}

func colorFromSeed(seed string, shift int) color.RGBA {
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) < 6 {
		return color.RGBA{A: 255}
	}
	i := (shift * 3) % (len(raw) - 2)
	return color.RGBA{R: raw[i], G: raw[i+1], B: raw[i+2], A: 255}
}
