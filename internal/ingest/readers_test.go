package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractPlain(t *testing.T) {
	path := writeTemp(t, "notes.txt", "plain text body")

	text, err := extractText(path, FormatText)
	assert.NoError(t, err)
	assert.Equal(t, "plain text body", text)
}

func TestExtractJSON_Array(t *testing.T) {
	path := writeTemp(t, "data.json", `[{"q": "one"}, {"q": "two"}]`)

	text, err := extractText(path, FormatJSON)
	assert.NoError(t, err)

	// One block per array element, blank line separated.
	assert.Contains(t, text, `"q": "one"`)
	assert.Contains(t, text, `"q": "two"`)
	assert.Contains(t, text, "\n\n")
}

func TestExtractJSON_Object(t *testing.T) {
	path := writeTemp(t, "data.json", `{"title": "handbook", "pages": 12}`)

	text, err := extractText(path, FormatJSON)
	assert.NoError(t, err)
	assert.Contains(t, text, `"title": "handbook"`)
}

func TestExtractJSON_Invalid(t *testing.T) {
	path := writeTemp(t, "data.json", `{not json`)

	_, err := extractText(path, FormatJSON)
	assert.Error(t, err)
}

func TestExtractPDF_Invalid(t *testing.T) {
	path := writeTemp(t, "broken.pdf", "not a pdf")

	_, err := extractText(path, FormatPDF)
	assert.Error(t, err)
}

func TestExtractDOCX_Invalid(t *testing.T) {
	path := writeTemp(t, "broken.docx", "not a docx")

	_, err := extractText(path, FormatDOCX)
	assert.Error(t, err)
}

func TestExtractText_MissingFile(t *testing.T) {
	_, err := extractText(filepath.Join(t.TempDir(), "missing.txt"), FormatText)
	assert.Error(t, err)
}
