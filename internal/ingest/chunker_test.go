package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitText_Empty(t *testing.T) {
	assert.Nil(t, SplitText("", 1024))
	assert.Nil(t, SplitText("   \n\n  ", 1024))
}

func TestSplitText_SingleShortParagraph(t *testing.T) {
	pieces := SplitText("The quick brown fox jumps over the lazy dog.", 1024)
	assert.Equal(t, []string{"The quick brown fox jumps over the lazy dog."}, pieces)
}

func TestSplitText_JoinsParagraphsWithinBudget(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here."
	pieces := SplitText(text, 1024)
	assert.Len(t, pieces, 1)
	assert.Contains(t, pieces[0], "First paragraph here.")
	assert.Contains(t, pieces[0], "Second paragraph here.")
}

func TestSplitText_SplitsAtParagraphBoundary(t *testing.T) {
	p1 := strings.Repeat("a", 40)
	p2 := strings.Repeat("b", 40)
	pieces := SplitText(p1+"\n\n"+p2, 50)

	assert.Equal(t, []string{p1, p2}, pieces)
}

func TestSplitText_RespectsBudget(t *testing.T) {
	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, "This sentence is about fifty characters in length.")
	}
	text := strings.Join(sentences, " ")

	pieces := SplitText(text, 200)
	assert.NotEmpty(t, pieces)
	for _, piece := range pieces {
		assert.LessOrEqual(t, len(piece), 200)
	}
}

func TestSplitText_HardCutsOversizeSentence(t *testing.T) {
	text := strings.Repeat("a", 100)
	pieces := SplitText(text, 30)

	assert.Len(t, pieces, 4)
	assert.Equal(t, 30, len(pieces[0]))
	assert.Equal(t, 10, len(pieces[3]))
	assert.Equal(t, text, strings.Join(pieces, ""))
}

func TestSplitText_HardCutIsRuneSafe(t *testing.T) {
	text := strings.Repeat("日", 100)
	pieces := SplitText(text, 30)

	for _, piece := range pieces {
		for _, r := range piece {
			assert.Equal(t, '日', r)
		}
	}
	assert.Equal(t, text, strings.Join(pieces, ""))
}

func TestSplitText_BudgetCountsRunes(t *testing.T) {
	// Two 20-rune paragraphs fit a 50-rune budget together. A byte
	// measure would see 60 bytes each and refuse to pack them.
	paragraph := strings.Repeat("日", 20)
	text := paragraph + "\n\n" + paragraph

	pieces := SplitText(text, 50)
	assert.Equal(t, []string{paragraph + "\n\n" + paragraph}, pieces)
	for _, piece := range pieces {
		assert.LessOrEqual(t, utf8.RuneCountInString(piece), 50)
	}
}

func TestSplitText_Deterministic(t *testing.T) {
	text := "One sentence here. Another sentence there.\n\nA second paragraph follows."
	assert.Equal(t, SplitText(text, 40), SplitText(text, 40))
}

func TestBuildChunks(t *testing.T) {
	chunks := buildChunks("report.pdf", []string{"alpha", "beta", "alpha"})

	assert.Len(t, chunks, 3)
	assert.Equal(t, int64(0), chunks[0].Seq)
	assert.Equal(t, int64(1), chunks[1].Seq)
	assert.Equal(t, int64(2), chunks[2].Seq)
	assert.Equal(t, "report.pdf", chunks[0].Source)

	// Identity is content-derived: same source+text collide, different
	// text does not.
	assert.Equal(t, chunks[0].ID, chunks[2].ID)
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
}

func TestBuildChunks_StableAcrossRuns(t *testing.T) {
	a := buildChunks("report.pdf", []string{"alpha"})
	b := buildChunks("report.pdf", []string{"alpha"})
	assert.Equal(t, a[0].ID, b[0].ID)

	c := buildChunks("other.pdf", []string{"alpha"})
	assert.NotEqual(t, a[0].ID, c[0].ID)
}
