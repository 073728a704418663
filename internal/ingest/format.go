package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrNoContentExtracted = errors.New("no content extracted")
)

// Format is the closed set of ingestable document formats. Adding one
// means extending the switches below, which the compiler checks.
type Format int

const (
	FormatPDF Format = iota
	FormatDOCX
	FormatJSON
	FormatText
	FormatWeb
)

func (f Format) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatDOCX:
		return "docx"
	case FormatJSON:
		return "json"
	case FormatText:
		return "text"
	case FormatWeb:
		return "web"
	default:
		return "unknown"
	}
}

// ChunkSize is the per-format target chunk length in characters.
// Binary page formats carry longer runs of prose than line-oriented ones.
func (f Format) ChunkSize() int {
	switch f {
	case FormatPDF, FormatDOCX:
		return 2048
	case FormatJSON, FormatText:
		return 1024
	case FormatWeb:
		return 2048
	default:
		return 1024
	}
}

// DetectFormat dispatches on the declared file extension.
func DetectFormat(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return FormatPDF, nil
	case ".docx":
		return FormatDOCX, nil
	case ".json":
		return FormatJSON, nil
	case ".txt":
		return FormatText, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}
