package security

import (
	"context"
	"log/slog"
)

// Failure reason codes reported by the validation pipeline.
const (
	CodeInvalidMimeType       = "InvalidMimeType"
	CodeMimeExtensionMismatch = "MimeExtensionMismatch"
	CodeMagicBytesMismatch    = "MagicBytesMismatch"
	CodeTokenLimitExceeded    = "TokenLimitExceeded"
	CodeUnsupportedType       = "UnsupportedType"
	CodeMalwareDetected       = "MalwareDetected"
)

// File is one upload candidate presented to the pipeline.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Result is the outcome of a pipeline run. A healthy result has an empty
// code and message.
type Result struct {
	Healthy bool   `json:"healthy"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Failure halts the pipeline with a typed reason.
type Failure struct {
	Code    string
	Message string
}

// Check is a single validation layer. A nil return means the layer passed.
type Check interface {
	Name() string
	Validate(ctx context.Context, f *File) *Failure
}

// Pipeline runs checks in order and stops at the first failure. Layer order
// matters: content-signature checks run before anything that parses the
// file, so a mislabeled payload never reaches a decoder.
type Pipeline struct {
	checks []Check
	logger *slog.Logger
}

func NewPipeline(logger *slog.Logger, checks ...Check) *Pipeline {
	return &Pipeline{checks: checks, logger: logger}
}

func (p *Pipeline) Validate(ctx context.Context, f *File) Result {
	for _, check := range p.checks {
		if fail := check.Validate(ctx, f); fail != nil {
			p.logger.Warn("security check failed",
				"check", check.Name(),
				"file", f.Name,
				"code", fail.Code,
				"reason", fail.Message)
			return Result{Healthy: false, Code: fail.Code, Message: fail.Message}
		}
	}
	return Result{Healthy: true}
}
