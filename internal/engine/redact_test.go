package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactMatchesWholeKeysAndSuffixes(t *testing.T) {
	input := map[string]any{
		"token":          "abc",
		"access_token":   "abc",
		"dbPassword":     "p1",
		"X-Api-Key":      "k",
		"aws_secret_key": "s",
		"tokenizer":      "bpe",
		"max_tokens":     512,
		"password_hint":  "pet name",
		"items": []any{
			map[string]any{"cookie": "c", "name": "n"},
		},
	}

	assert.Equal(t, map[string]any{
		"token":          RedactedMarker,
		"access_token":   RedactedMarker,
		"dbPassword":     RedactedMarker,
		"X-Api-Key":      RedactedMarker,
		"aws_secret_key": RedactedMarker,
		"tokenizer":      "bpe",
		"max_tokens":     512,
		"password_hint":  "pet name",
		"items": []any{
			map[string]any{"cookie": RedactedMarker, "name": "n"},
		},
	}, Redact(input))
}

func TestRedactNilInput(t *testing.T) {
	assert.Equal(t, map[string]any{}, Redact(nil))
}
