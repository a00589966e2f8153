package threads

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitleShortMessage(t *testing.T) {
	assert.Equal(t, "Wat zegt PR-AV-001?", DeriveTitle("  Wat zegt PR-AV-001?  "))
}

func TestDeriveTitleCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "een twee drie", DeriveTitle("een\n  twee\t drie"))
}

func TestDeriveTitleTruncatesAtWordBoundary(t *testing.T) {
	message := "Kan je me uitleggen hoe de erkenningsprocedure voor een nieuwe opvanglocatie precies verloopt?"
	title := DeriveTitle(message)

	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len([]rune(title)), 70)

	// The cut lands on a word boundary, never mid-word.
	trimmed := strings.TrimSuffix(title, "...")
	assert.True(t, strings.HasPrefix(message, trimmed))
	assert.Equal(t, ' ', rune(message[len(trimmed)]))
}

func TestDeriveTitleIdempotent(t *testing.T) {
	messages := []string{
		strings.Repeat("woord ", 30),
		strings.Repeat("a", 68) + " " + strings.Repeat("b", 30),
		strings.Repeat("a", 100),
	}
	for _, message := range messages {
		once := DeriveTitle(message)
		assert.LessOrEqual(t, len([]rune(once)), 70)
		assert.Equal(t, once, DeriveTitle(once))
	}
}

func TestDeriveTitleEmpty(t *testing.T) {
	assert.Equal(t, "", DeriveTitle("   "))
}

func TestDeriveTitleSingleLongWord(t *testing.T) {
	word := strings.Repeat("a", 100)
	title := DeriveTitle(word)
	assert.Equal(t, strings.Repeat("a", 67)+"...", title)
}
