package contextmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/proto"
)

func history(contents ...string) []proto.HistoryEntry {
	out := make([]proto.HistoryEntry, 0, len(contents))
	for i, c := range contents {
		role := proto.RoleUser
		if i%2 == 1 {
			role = proto.RoleAssistant
		}
		out = append(out, proto.HistoryEntry{Role: role, Content: c})
	}
	return out
}

func TestWindowKeepsTrailingEntries(t *testing.T) {
	h := history("one", "two", "three", "four", "five", "six")
	got := Window(h, 3, 0)
	require.Len(t, got, 3)
	assert.Equal(t, "four", got[0].Content)
	assert.Equal(t, "six", got[2].Content)

	got[0].Content = "changed"
	assert.Equal(t, "four", h[3].Content)
}

func TestWindowEmpty(t *testing.T) {
	assert.Nil(t, Window(history("a"), 0, 100))
	assert.Nil(t, Window(nil, 5, 100))
}

func TestCompactDropsOldestFirst(t *testing.T) {
	long := strings.Repeat("word ", 200)
	got := Window(history(long, long, "latest question"), 5, 50)
	require.Len(t, got, 1)
	assert.Equal(t, "latest question", got[0].Content)
}

func TestCompactTruncatesSingleOversizedEntry(t *testing.T) {
	long := strings.Repeat("word ", 500)
	cm := NewContextManager(100)
	cm.AddEntry(proto.HistoryEntry{Role: proto.RoleUser, Content: long})
	require.True(t, cm.ShouldCompact())

	cm.CompactIfNeeded()
	require.Equal(t, 1, cm.Len())
	assert.LessOrEqual(t, cm.CountTokens(), 100)
	assert.False(t, cm.ShouldCompact())
}

func TestSummary(t *testing.T) {
	cm := NewContextManager(0)
	assert.Equal(t, "Empty context", cm.Summary())

	for _, e := range history("hello", "hi there", "build a todo app") {
		cm.AddEntry(e)
	}
	summary := cm.Summary()
	assert.Contains(t, summary, "3 entries")
	assert.Contains(t, summary, "user: 2")
	assert.Contains(t, summary, "assistant: 1")
}
