package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "markdown code block",
			input:    "```markdown\n1. Verify power-on\n2. Verify reset\n```",
			expected: "1. Verify power-on\n2. Verify reset",
		},
		{
			name:     "generic code block",
			input:    "```\n1. Step\n```",
			expected: "1. Step",
		},
		{
			name:     "plain text",
			input:    "  1. Step one  ",
			expected: "1. Step one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanResponse(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 10))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
	// "é" is two bytes; cutting inside it backs off to the rune start
	assert.Equal(t, "a", Truncate("aé", 2))
}
