package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamLines_SplitsOnNewline(t *testing.T) {
	var got []string
	StreamLines(strings.NewReader("one\ntwo\nthree\n"), func(line string) {
		got = append(got, line)
	})
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestStreamLines_EmitsTrailingLineWithoutNewline(t *testing.T) {
	var got []string
	StreamLines(strings.NewReader("one\ntwo"), func(line string) {
		got = append(got, line)
	})
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestStreamLines_TruncatesOversizedLine(t *testing.T) {
	huge := strings.Repeat("x", maxLogLineBytes+100)
	var got []string
	StreamLines(strings.NewReader(huge+"\n"), func(line string) {
		got = append(got, line)
	})
	assert.Len(t, got, 1)
	assert.Len(t, got[0], maxLogLineBytes)
}

func TestStreamLines_EmptyInputEmitsNothing(t *testing.T) {
	var calls int
	StreamLines(strings.NewReader(""), func(line string) {
		calls++
	})
	assert.Zero(t, calls)
}
