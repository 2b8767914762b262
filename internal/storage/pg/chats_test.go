package pg

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestThreadTitleTruncatesOnRuneBoundary(t *testing.T) {
	// 40 three-byte runes is 120 bytes; a byte slice at 100 would split the
	// 34th rune and produce invalid UTF-8 that Postgres rejects.
	prompt := strings.Repeat("€", 40)

	title := threadTitle(prompt)

	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("€", 40), title) // 40 runes, under the cap
}

func TestThreadTitleCapsLongPrompts(t *testing.T) {
	prompt := strings.Repeat("语", 150)

	title := threadTitle(prompt)

	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, threadTitleMaxLen, utf8.RuneCountInString(title))
	assert.Equal(t, strings.Repeat("语", threadTitleMaxLen), title)
}

func TestThreadTitleShortPromptUnchanged(t *testing.T) {
	assert.Equal(t, "hello", threadTitle("hello"))
}
