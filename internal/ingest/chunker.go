package ingest

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"

	"github.com/kbgateway/backend/internal/vector/milvus"
	"github.com/kbgateway/backend/pkg/utils"
)

// SplitText partitions text into pieces of at most size characters,
// preferring paragraph then sentence boundaries and hard-cutting only
// when a single sentence exceeds the budget.
func SplitText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = 1024
	}

	var pieces []string
	var current strings.Builder
	currentLen := 0 // runes, to match the hard-cut measure

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		paragraphLen := utf8.RuneCountInString(paragraph)

		if currentLen+paragraphLen+2 > size {
			flush()
		}

		if paragraphLen <= size {
			if current.Len() > 0 {
				current.WriteString("\n\n")
				currentLen += 2
			}
			current.WriteString(paragraph)
			currentLen += paragraphLen
			continue
		}

		for _, sentence := range sentences(paragraph) {
			sentenceLen := utf8.RuneCountInString(sentence)
			if currentLen+sentenceLen+1 > size {
				flush()
			}
			if sentenceLen > size {
				pieces = append(pieces, hardCut(sentence, size)...)
				continue
			}
			if current.Len() > 0 {
				current.WriteByte(' ')
				currentLen++
			}
			current.WriteString(sentence)
			currentLen += sentenceLen
		}
	}

	flush()
	return pieces
}

func sentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return []string{text}
	}

	sents := doc.Sentences()
	out := make([]string, 0, len(sents))
	for _, s := range sents {
		t := strings.TrimSpace(s.Text)
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func hardCut(text string, size int) []string {
	var pieces []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		pieces = append(pieces, string(runes[:n]))
		runes = runes[n:]
	}
	return pieces
}

// buildChunks assigns stable identities and sequence positions to the
// text pieces extracted from one source.
func buildChunks(source string, pieces []string) []milvus.Chunk {
	now := time.Now()
	chunks := make([]milvus.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, milvus.Chunk{
			ID:        utils.ChunkID(source, piece),
			Text:      piece,
			Source:    source,
			Seq:       int64(i),
			CreatedAt: now,
		})
	}
	return chunks
}
