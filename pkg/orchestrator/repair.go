package orchestrator

import (
	"fmt"
	"strings"
)

// DefaultRepairIssue stands in for an empty issue list.
const DefaultRepairIssue = "The preview has problems that need fixing."

// BuildMessage derives the repair prompt from the user's original request
// and the latest verifier issues. It never takes a previously rewritten
// message as input, so repeated repairs do not grow the prompt.
func BuildMessage(original string, issues []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(original))
	b.WriteString("\n\nRepair required: verification of the generated app found these problems:\n")
	if len(issues) == 0 {
		issues = []string{DefaultRepairIssue}
	}
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(issue))
	}
	b.WriteString("\nReturn the complete, runnable file set. Do not include error messages as app content.")
	return b.String()
}

// RuntimeError is an error a client observed while running the preview.
type RuntimeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// BuildFixMessage turns a runtime error report into a code-stage request.
// The current files travel with the project state, not the message.
func BuildFixMessage(e RuntimeError) string {
	var b strings.Builder
	b.WriteString("Fix the following error in the app.\n\n")
	kind := strings.TrimSpace(e.Type)
	if kind == "" {
		kind = "runtime"
	}
	fmt.Fprintf(&b, "Error type: %s\n", kind)
	fmt.Fprintf(&b, "Error message: %s\n", strings.TrimSpace(e.Message))
	if e.File != "" {
		fmt.Fprintf(&b, "File: %s\n", e.File)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, "Line: %d\n", e.Line)
	}
	if stack := strings.TrimSpace(e.Stack); stack != "" {
		fmt.Fprintf(&b, "Stack trace:\n%s\n", stack)
	}
	b.WriteString("\nFind the root cause, change only what the fix needs and return the complete, runnable file set.")
	return b.String()
}
