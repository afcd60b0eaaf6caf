package security

import (
	"bytes"
	"context"
	"fmt"
)

// magicSignatures lists the accepted leading byte sequences per MIME type.
// JPEG has several valid fourth bytes depending on the encoder (JFIF, EXIF,
// raw), so each variant is listed explicitly.
var magicSignatures = map[string][][]byte{
	"application/pdf": {
		{0x25, 0x50, 0x44, 0x46}, // %PDF
	},
	"image/jpeg": {
		{0xFF, 0xD8, 0xFF, 0xE0},
		{0xFF, 0xD8, 0xFF, 0xE1},
		{0xFF, 0xD8, 0xFF, 0xE8},
	},
	"image/png": {
		{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	},
}

// MagicBytesCheck verifies the file content actually starts with the binary
// signature of the declared type, regardless of what the client claimed.
type MagicBytesCheck struct{}

func (MagicBytesCheck) Name() string { return "magic_bytes" }

func (MagicBytesCheck) Validate(_ context.Context, f *File) *Failure {
	signatures, ok := magicSignatures[normalizeMime(f.MimeType)]
	if !ok {
		return &Failure{
			Code:    CodeUnsupportedType,
			Message: fmt.Sprintf("no content signature known for type %q", f.MimeType),
		}
	}

	for _, sig := range signatures {
		if len(f.Data) >= len(sig) && bytes.Equal(f.Data[:len(sig)], sig) {
			return nil
		}
	}
	return &Failure{
		Code:    CodeMagicBytesMismatch,
		Message: fmt.Sprintf("content does not match signature for declared type %q", f.MimeType),
	}
}
