package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountEmptyAndNonEmpty(t *testing.T) {
	assert.Zero(t, Count(""))
	assert.Positive(t, Count("the watcher hands a plan to the planner"))
}

func TestEstimate(t *testing.T) {
	assert.Zero(t, Estimate("   "))
	assert.Equal(t, 1, Estimate("a"))
	assert.Equal(t, 3, Estimate("a b c"))
	assert.Equal(t, 25, Estimate(strings.Repeat("x", 100)))
}

func TestTruncateBoundsTokenCount(t *testing.T) {
	text := strings.Repeat("orchestrate quantized agents on the edge. ", 50)
	short := Truncate(text, 10)
	assert.LessOrEqual(t, Count(short), 12)
	assert.True(t, strings.HasPrefix(text, short))
	assert.Equal(t, text, Truncate(text, 0))
	assert.Equal(t, "tiny", Truncate("tiny", 100))

	tail := TruncateTail(text, 10)
	assert.True(t, strings.HasSuffix(text, tail))
	assert.Less(t, len(tail), len(text))
}
