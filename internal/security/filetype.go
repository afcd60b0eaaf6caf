package security

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// allowedTypes maps each accepted MIME type to its valid file extensions.
var allowedTypes = map[string][]string{
	"application/pdf": {".pdf"},
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/png":       {".png"},
}

// AllowedMimeType reports whether mimeType is in the upload allow-list.
// Content-type parameters ("; charset=...") are ignored.
func AllowedMimeType(mimeType string) bool {
	_, ok := allowedTypes[normalizeMime(mimeType)]
	return ok
}

func normalizeMime(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// FileTypeCheck is the first pipeline layer: the declared content type must
// be allow-listed and the file extension must belong to that type.
type FileTypeCheck struct{}

func (FileTypeCheck) Name() string { return "file_type" }

func (FileTypeCheck) Validate(_ context.Context, f *File) *Failure {
	mime := normalizeMime(f.MimeType)
	extensions, ok := allowedTypes[mime]
	if !ok {
		return &Failure{
			Code:    CodeInvalidMimeType,
			Message: fmt.Sprintf("content type %q is not allowed", f.MimeType),
		}
	}

	ext := strings.ToLower(filepath.Ext(f.Name))
	for _, allowed := range extensions {
		if ext == allowed {
			return nil
		}
	}
	return &Failure{
		Code:    CodeMimeExtensionMismatch,
		Message: fmt.Sprintf("extension %q does not match declared type %q", ext, mime),
	}
}
