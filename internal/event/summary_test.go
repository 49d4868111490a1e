package event

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimSummaryShortInputUnchanged(t *testing.T) {
	assert.Equal(t, "short detail", TrimSummary("short detail"))
	exact := strings.Repeat("x", 128)
	assert.Equal(t, exact, TrimSummary(exact))
}

func TestTrimSummaryCutsAtBoundaryAfterLimit(t *testing.T) {
	// Character 129 is a space, so the full first 128 survive.
	detail := strings.Repeat("x", 128) + " tail"
	assert.Equal(t, strings.Repeat("x", 128), TrimSummary(detail))
}

func TestTrimSummaryFindsBoundaryInsideWindow(t *testing.T) {
	// A space at position 125 is within the 10-character search window.
	head := strings.Repeat("x", 125) + " word boundary somewhere far beyond"
	got := TrimSummary(head)
	assert.Equal(t, strings.Repeat("x", 125)+" ", got)
}

func TestTrimSummaryNoBoundaryHardCut(t *testing.T) {
	detail := strings.Repeat("y", 300)
	assert.Equal(t, strings.Repeat("y", 128), TrimSummary(detail))
}
