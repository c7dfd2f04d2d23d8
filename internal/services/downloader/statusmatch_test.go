package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchStatus(t *testing.T) {
	tests := []struct {
		pattern any
		status  int
		want    bool
	}{
		{"50x", 503, true},
		{"50x", 500, true},
		{"50x", 509, true},
		{"50x", 510, false},
		{"50x", 403, false},
		{"!20x", 404, true},
		{"!20x", 204, false},
		{"~5xx", 200, true},
		{200, 200, true},
		{200, 201, false},
		{"2xX", 201, true},
		{"2xX", 299, true},
		{"xxx", 418, true},
		{"404", 404, true},
		{"5x", 500, false},
		{"5y0", 500, false},
		{3.5, 3, false},
		{[]int{1}, 200, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchStatus(tt.pattern, tt.status), "pattern %v status %d", tt.pattern, tt.status)
	}
}

func TestParsePatterns(t *testing.T) {
	patterns, err := ParsePatterns([]string{"50x", "429", "!2xx"})
	require.NoError(t, err)
	require.Len(t, patterns, 3)

	assert.True(t, MatchAny(patterns[:2], 429))
	assert.True(t, MatchAny(patterns[:2], 502))
	assert.False(t, MatchAny(patterns[:2], 404))
	assert.True(t, MatchAny(patterns, 404))
	assert.Equal(t, "!2xx", patterns[2].String())

	_, err = ParsePatterns([]string{"50x", "bad"})
	assert.Error(t, err)
}
