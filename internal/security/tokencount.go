package security

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	_ "image/jpeg"
	_ "image/png"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	// Text is estimated at roughly four bytes per token, plus a flat
	// per-page overhead for layout structure.
	pdfBytesPerToken = 4
	pdfTokensPerPage = 100

	// Vision-style tiled image cost: a flat base plus a per-tile charge
	// after the image is notionally rescaled.
	imageBaseTokens    = 85
	imageTokensPerTile = 170
	imageTileSize      = 512
	imageMaxDimension  = 2048
	imageShortSide     = 768
)

// TokenCountCheck is the third pipeline layer: estimate the processing cost
// of a document and reject anything over the configured ceiling before it is
// queued for extraction.
type TokenCountCheck struct {
	MaxTokens int
}

func (TokenCountCheck) Name() string { return "token_count" }

func (c TokenCountCheck) Validate(_ context.Context, f *File) *Failure {
	var tokens int
	var err error

	switch normalizeMime(f.MimeType) {
	case "application/pdf":
		tokens, err = estimatePDFTokens(f.Data)
	case "image/jpeg", "image/png":
		tokens, err = estimateImageTokens(f.Data)
	default:
		return &Failure{
			Code:    CodeUnsupportedType,
			Message: fmt.Sprintf("cannot estimate cost for type %q", f.MimeType),
		}
	}
	if err != nil {
		return &Failure{
			Code:    CodeTokenLimitExceeded,
			Message: fmt.Sprintf("cost estimation failed: %v", err),
		}
	}

	if tokens > c.MaxTokens {
		return &Failure{
			Code:    CodeTokenLimitExceeded,
			Message: fmt.Sprintf("estimated %d tokens exceeds limit of %d", tokens, c.MaxTokens),
		}
	}
	return nil
}

func estimatePDFTokens(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("pdf page count: %w", err)
	}
	return len(data)/pdfBytesPerToken + pages*pdfTokensPerPage, nil
}

func estimateImageTokens(data []byte) (int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image header: %w", err)
	}

	width, height := float64(cfg.Width), float64(cfg.Height)
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("image has no dimensions")
	}

	// Fit inside the maximum square.
	if width > imageMaxDimension || height > imageMaxDimension {
		scale := imageMaxDimension / math.Max(width, height)
		width *= scale
		height *= scale
	}

	// Scale the shortest side down to the target.
	if short := math.Min(width, height); short > imageShortSide {
		scale := imageShortSide / short
		width *= scale
		height *= scale
	}

	tiles := int(math.Ceil(width/imageTileSize)) * int(math.Ceil(height/imageTileSize))
	return imageBaseTokens + tiles*imageTokensPerTile, nil
}
