package verify

import (
	"fmt"
	"strings"
)

// Feedback renders a result as markdown for the event stream.
func Feedback(r Result) string {
	if r.Passed {
		var b strings.Builder
		b.WriteString("✅ **Verification passed**\n\nThe preview was checked and no issues were found.")
		writeList(&b, "Suggestions", r.Suggestions)
		return strings.TrimRight(b.String(), "\n")
	}

	var b strings.Builder
	b.WriteString("⚠️ **Verification found issues**\n")
	writeList(&b, "Issues", r.Issues)
	writeList(&b, "Suggestions", r.Suggestions)
	if r.NeedsImprovement {
		b.WriteString("\nFixing these issues automatically...")
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n**%s:**\n", title)
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}
