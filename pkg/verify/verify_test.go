package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/mocks"
	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
	"appforge/pkg/templates"
)

var code = proto.FileMap{"App.tsx": "export default function App() { return <div>Calc</div>; }"}

func TestVerifyPolicy(t *testing.T) {
	tests := []struct {
		name     string
		analysis Analysis
		err      error
		want     Result
	}{
		{
			name:     "no issues passes",
			analysis: Analysis{Suggestions: []string{"add tests"}},
			want:     Result{Passed: true, Suggestions: []string{"add tests"}},
		},
		{
			name:     "passes with suggestions even when improvement flagged",
			analysis: Analysis{NeedsImprovement: true},
			want:     Result{Passed: true, NeedsImprovement: true},
		},
		{
			name:     "issues fail",
			analysis: Analysis{Issues: []string{"no divide button"}, NeedsImprovement: true},
			want:     Result{Passed: false, Issues: []string{"no divide button"}, NeedsImprovement: true},
		},
		{
			name: "analyzer error is conservative",
			err:  errors.New("quota exceeded"),
			want: Result{
				Passed:           false,
				Issues:           []string{"verification failed: quota exceeded"},
				Suggestions:      []string{"Check the preview manually"},
				NeedsImprovement: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(AnalyzerFunc(func(context.Context, Request) (Analysis, error) {
				return tt.analysis, tt.err
			}))
			got := v.Verify(context.Background(), Request{Code: code, Requirement: "make a calculator"})
			assert.Equal(t, tt.want, got)
			assert.Equal(t, !got.Passed && got.NeedsImprovement, got.NeedsRepair())
		})
	}
}

func TestVerifyWithoutCode(t *testing.T) {
	called := false
	v := NewVerifier(AnalyzerFunc(func(context.Context, Request) (Analysis, error) {
		called = true
		return Analysis{}, nil
	}))

	urlOnly := v.Verify(context.Background(), Request{PreviewURL: "http://localhost:4173"})
	assert.True(t, urlOnly.Passed)
	require.Len(t, urlOnly.Suggestions, 1)
	assert.Contains(t, urlOnly.Suggestions[0], "http://localhost:4173")

	nothing := v.Verify(context.Background(), Request{})
	assert.True(t, nothing.NeedsRepair())
	assert.Contains(t, nothing.Issues[0], ErrNothingToVerify.Error())
	assert.False(t, called)
}

func TestLLMAnalyzer(t *testing.T) {
	client := mocks.NewMockLLMClient(`{"passed": false, "issues": ["missing clear button"], "suggestions": [], "needsImprovement": true}`)
	a := NewLLMAnalyzer(client, templates.MustRenderer())

	got, err := a.Analyze(context.Background(), Request{Code: code, Requirement: "make a calculator", Requirements: "- calculator"})
	require.NoError(t, err)
	assert.Equal(t, Analysis{Issues: []string{"missing clear button"}, Suggestions: []string{}, NeedsImprovement: true}, got)

	calls := client.CompleteCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, llm.FormatJSON, calls[0].ResponseFormat)
	assert.Contains(t, calls[0].Messages[0].Content, "make a calculator")
	assert.Contains(t, calls[0].Messages[0].Content, "### App.tsx")
}

func TestLLMAnalyzerBadResponse(t *testing.T) {
	a := NewLLMAnalyzer(mocks.NewMockLLMClient("looks fine to me"), templates.MustRenderer())
	_, err := a.Analyze(context.Background(), Request{Code: code})
	require.ErrorIs(t, err, llm.ErrNoJSON)

	v := NewVerifier(a)
	assert.True(t, v.Verify(context.Background(), Request{Code: code}).NeedsRepair())
}

func TestFeedback(t *testing.T) {
	passed := Feedback(Result{Passed: true})
	assert.Contains(t, passed, "Verification passed")

	failed := Feedback(Result{Issues: []string{"a", "b"}, Suggestions: []string{"c"}, NeedsImprovement: true})
	assert.Contains(t, failed, "Verification found issues")
	assert.Contains(t, failed, "1. a\n2. b")
	assert.Contains(t, failed, "**Suggestions:**\n1. c")
	assert.Contains(t, failed, "Fixing these issues automatically")
}

func TestPreviewHTML(t *testing.T) {
	html := PreviewHTML(proto.FileMap{
		"App.tsx": "import React, { useState } from 'react';\nimport './index.css';\n\n" +
			"interface Props { label: string }\n" +
			"export default function App() {\n  const [n, setN] = useState<number>(0);\n  return <button onClick={() => setN(n + 1)}>{n}</button>;\n}\n",
		"index.css": "button { color: blue; }",
	})
	assert.Contains(t, html, `<div id="root"></div>`)
	assert.Contains(t, html, "button { color: blue; }")
	assert.Contains(t, html, "function App()")
	assert.Contains(t, html, "useState(0)")
	assert.NotContains(t, html, "import React")
	assert.NotContains(t, html, "interface Props")
	assert.NotContains(t, html, "export default")

	assert.Equal(t, "<h1>hi</h1>", PreviewHTML(proto.FileMap{"index.html": "<h1>hi</h1>", "App.tsx": "x"}))
	assert.Contains(t, PreviewHTML(nil), "No code found")
}

func TestMainFile(t *testing.T) {
	assert.Equal(t, "App.tsx", MainFile(proto.FileMap{"App.tsx": "", "main.ts": ""}))
	assert.Equal(t, "a.js", MainFile(proto.FileMap{"b.js": "", "a.js": ""}))
	assert.Equal(t, "", MainFile(nil))
}
