// Package filemap extracts a complete file map from code-stage model output.
//
// Parse never returns an empty map: when the output cannot be used it falls
// back to the previous map, or to Placeholder when there is none.
package filemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
)

// MinFileLength is the length at least one file must exceed for a parse to be accepted.
const MinFileLength = 20

// Source says where a Result's files came from.
type Source string

const (
	SourceParsed      Source = "parsed"
	SourcePrevious    Source = "previous"
	SourcePlaceholder Source = "placeholder"
)

// Result is the outcome of Parse.
type Result struct {
	Files       proto.FileMap
	Source      Source
	Explanation string
	// Err is why the model output was rejected; nil when Source is SourceParsed.
	Err error
}

// Parse errors.
var (
	ErrNoObject    = errors.New("no JSON object found")
	ErrNoFiles     = errors.New("JSON object holds no files")
	ErrNoValidFile = errors.New("no file has usable content")
)

//nolint:gochecknoglobals // compiled once
var (
	fenceRe = regexp.MustCompile("^```[a-zA-Z]*[ \t]*")
	// Echoed verification feedback. Text from the marker to the end of its
	// line is dropped when it appears outside a JSON string.
	noiseRe = regexp.MustCompile(`^(?:(?:🔍|⚠️?)\s*(?:验证发现问题|Verification found issues)|请修复这些问题|Please fix these issues)`)
	// File content containing any of these is an error message, not code.
	invalidMarkers = []string{
		"🔍 验证发现问题",
		"⚠️ 验证发现问题",
		"页面完全空白",
		"Verification found issues",
		"PRD generation failed:",
		"Architecture generation failed:",
		"Code generation failed:",
	}
)

// Clean strips code fences and echoed feedback outside JSON strings. String
// contents are copied unchanged, so file bodies that mention a marker survive.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(text); {
		c := text[i]
		if inString {
			b.WriteByte(c)
			i++
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
		if c == '`' {
			if loc := fenceRe.FindStringIndex(text[i:]); loc != nil {
				i += loc[1]
				continue
			}
		}
		if c == 'P' || c >= 0x80 {
			if noiseRe.MatchString(text[i:]) {
				if end := strings.IndexByte(text[i:], '\n'); end >= 0 {
					i += end
				} else {
					i = len(text)
				}
				continue
			}
		}
		switch c {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case '"':
			// Quotes in prose around the object do not open strings.
			inString = depth > 0
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// Extract parses text into a file map without any fallback. It accepts
// {"files": {...}} or a flat {"path": "content"} object.
func Extract(text string) (proto.FileMap, string, error) {
	obj, ok := llm.ExtractJSONObject(Clean(text))
	if !ok {
		return nil, "", ErrNoObject
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &top); err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}

	var explanation string
	if raw, ok := top["explanation"]; ok {
		_ = json.Unmarshal(raw, &explanation)
	}

	fields := top
	if raw, ok := top["files"]; ok {
		fields = nil
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, explanation, fmt.Errorf("files is not an object: %w", err)
		}
	}

	files := make(proto.FileMap, len(fields))
	for path, raw := range fields {
		var content string
		if err := json.Unmarshal(raw, &content); err != nil {
			// Non-string members (explanation objects, diffs as arrays) are not files.
			continue
		}
		if path == "explanation" || path == "diff" {
			continue
		}
		files[path] = content
	}
	if len(files) == 0 {
		return nil, explanation, ErrNoFiles
	}
	if !hasValidFile(files) {
		return nil, explanation, ErrNoValidFile
	}
	return files, explanation, nil
}

func hasValidFile(files proto.FileMap) bool {
	for _, content := range files {
		if len(content) > MinFileLength && !containsMarker(content) {
			return true
		}
	}
	return false
}

func containsMarker(content string) bool {
	for _, m := range invalidMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

// Parse extracts a file map from text, falling back to previous (cloned)
// when it is non-empty and to Placeholder(request) otherwise.
func Parse(text string, previous proto.FileMap, request string) Result {
	files, explanation, err := Extract(text)
	if err == nil {
		return Result{Files: files, Source: SourceParsed, Explanation: explanation}
	}
	return Fallback(previous, request, err)
}

// Fallback returns previous when non-empty, else the placeholder set.
func Fallback(previous proto.FileMap, request string, cause error) Result {
	if len(previous) > 0 {
		return Result{Files: previous.Clone(), Source: SourcePrevious, Err: cause}
	}
	return Result{Files: Placeholder(request), Source: SourcePlaceholder, Err: cause}
}

// Placeholder is the minimal runnable app shown when no code could be produced.
func Placeholder(request string) proto.FileMap {
	title := strings.TrimSpace(request)
	if title == "" {
		title = "Your app"
	}
	titleJSON, _ := json.Marshal(title)
	return proto.FileMap{
		"App.tsx": "import React from 'react';\n\nexport default function App() {\n  return (\n    <div>\n      <h1>{" +
			string(titleJSON) + "}</h1>\n    </div>\n  );\n}\n",
		"index.css":    "body { margin: 0; padding: 20px; font-family: sans-serif; }\n",
		"package.json": "{\n  \"name\": \"app\",\n  \"version\": \"1.0.0\",\n  \"dependencies\": {\n    \"react\": \"^18.0.0\"\n  }\n}\n",
	}
}

// DetectFiles lists file paths mentioned in partial model output, in order of
// first appearance. It is used to describe progress while the code streams.
func DetectFiles(partial string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range filePathRe.FindAllStringSubmatch(partial, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

//nolint:gochecknoglobals // compiled once
var filePathRe = regexp.MustCompile(`"([^"\s]+\.(?:tsx?|jsx?|css|json|html|md))"\s*:`)
