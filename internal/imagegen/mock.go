// Package imagegen produces images for posts. Only a placeholder generator
// exists today.
package imagegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/postcraft/model"
)

// Request describes the image to generate.
type Request struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

// Generator turns a prompt into an image.
type Generator interface {
	Generate(ctx context.Context, req Request) (model.GeneratedImage, error)
}

// DefaultPlaceholderBase serves the mock images.
const DefaultPlaceholderBase = "https://picsum.photos/seed"

// Mock returns a stable placeholder per prompt and style.
type Mock struct {
	base string
	now  func() time.Time
}

// NewMock creates a mock generator. An empty base uses
// DefaultPlaceholderBase.
func NewMock(base string) *Mock {
	if base == "" {
		base = DefaultPlaceholderBase
	}
	return &Mock{
		base: strings.TrimRight(base, "/"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Generate returns a URL derived from a hash of the prompt.
func (m *Mock) Generate(ctx context.Context, req Request) (model.GeneratedImage, error) {
	if err := ctx.Err(); err != nil {
		return model.GeneratedImage{}, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return model.GeneratedImage{}, model.NewRequiredFieldError("prompt")
	}
	sum := sha256.Sum256([]byte(req.Style + "\x00" + prompt))
	seed := hex.EncodeToString(sum[:8])
	return model.GeneratedImage{
		URL:       fmt.Sprintf("%s/%s/1200/627", m.base, url.PathEscape(seed)),
		Prompt:    prompt,
		Style:     req.Style,
		CreatedAt: m.now(),
	}, nil
}
