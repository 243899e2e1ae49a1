package blob

import (
	"bytes"
	"unicode/utf8"
)

// Binary signature checks per accepted content type. The declared
// content type must match the actual bytes; extension and declared type
// alone are never trusted.

var magicPrefixes = map[string][][]byte{
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/png":       {{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	"image/gif":       {[]byte("GIF87a"), []byte("GIF89a")},
	"application/pdf": {[]byte("%PDF-")},
}

// matchesSignature reports whether data carries the binary signature of
// the declared content type. Types without a registered signature are
// rejected outright.
func matchesSignature(contentType string, data []byte) bool {
	switch contentType {
	case "image/webp":
		// RIFF container: "RIFF" <size> "WEBP".
		return len(data) >= 12 &&
			bytes.HasPrefix(data, []byte("RIFF")) &&
			bytes.Equal(data[8:12], []byte("WEBP"))
	case "text/plain":
		// Plain text has no magic number; require valid UTF-8 with no
		// NUL bytes.
		return utf8.Valid(data) && !bytes.ContainsRune(data, 0)
	}

	prefixes, ok := magicPrefixes[contentType]
	if !ok {
		return false
	}
	for _, p := range prefixes {
		if bytes.HasPrefix(data, p) {
			return true
		}
	}
	return false
}
