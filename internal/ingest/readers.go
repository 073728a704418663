package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	docx "github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
)

// extractText turns a staged file into plain text per its format.
func extractText(path string, format Format) (string, error) {
	switch format {
	case FormatPDF:
		return extractPDF(path)
	case FormatDOCX:
		return extractDOCX(path)
	case FormatJSON:
		return extractJSON(path)
	case FormatText:
		return extractPlain(path)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}

	return buf.String(), nil
}

func extractDOCX(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat docx: %w", err)
	}

	doc, err := docx.Parse(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("failed to parse docx: %w", err)
	}

	var b strings.Builder
	for _, item := range doc.Document.Body.Items {
		switch block := item.(type) {
		case *docx.Paragraph:
			text := strings.TrimSpace(block.String())
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		case *docx.Table:
			text := strings.TrimSpace(block.String())
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		}
	}

	return b.String(), nil
}

// extractJSON renders each top-level value (array element or the whole
// document) as an indented block so chunk boundaries follow the data's
// own structure.
func extractJSON(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read json: %w", err)
	}

	var arr []interface{}
	if err := json.Unmarshal(raw, &arr); err == nil {
		var b strings.Builder
		for _, item := range arr {
			block, err := json.MarshalIndent(item, "", "  ")
			if err != nil {
				continue
			}
			b.Write(block)
			b.WriteString("\n\n")
		}
		return b.String(), nil
	}

	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("failed to parse json: %w", err)
	}

	block, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render json: %w", err)
	}

	return string(block), nil
}

func extractPlain(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read text file: %w", err)
	}
	return string(raw), nil
}
