// Package utils holds small helpers shared across packages.
package utils

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

//nolint:gochecknoglobals // codec is expensive to build and safe to share
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func sharedCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens approximates the token count of text with the GPT-4 encoding,
// falling back to len/4 when the codec is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c := sharedCodec()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// TruncateToTokens trims text from the front so that roughly limit tokens
// remain. The tail is kept because it holds the most recent content.
func TruncateToTokens(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	total := CountTokens(text)
	if total <= limit {
		return text
	}
	keep := int(float64(len(text)) * float64(limit) / float64(total) * 0.9)
	if keep <= 0 {
		return ""
	}
	cut := len(text) - keep
	// avoid splitting a UTF-8 sequence
	for cut < len(text) && text[cut]&0xC0 == 0x80 {
		cut++
	}
	return "..." + text[cut:]
}
