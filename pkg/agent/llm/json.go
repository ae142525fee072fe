package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a response holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// CompleteJSON requests a JSON object response and decodes it into out.
// Providers that ignore ResponseFormat still work as long as the text contains
// a JSON object, optionally fenced.
func CompleteJSON(ctx context.Context, c LLMClient, req CompletionRequest, out any) (string, error) {
	req.ResponseFormat = FormatJSON
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	obj, ok := ExtractJSONObject(resp.Content)
	if !ok {
		return resp.Content, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return resp.Content, fmt.Errorf("decode JSON response: %w", err)
	}
	return resp.Content, nil
}

// ExtractJSONObject returns the first balanced {...} object in text. Braces
// inside JSON strings are ignored.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
