// Package contextmgr bounds the conversation history forwarded to a prompt by
// entry count and token budget.
package contextmgr

import (
	"fmt"
	"strings"

	"appforge/pkg/proto"
	"appforge/pkg/utils"
)

// perEntryOverhead approximates the role and separator tokens of one entry.
const perEntryOverhead = 4

// ContextManager holds a conversation window and its token accounting.
type ContextManager struct {
	entries   []proto.HistoryEntry
	maxTokens int
}

// NewContextManager creates a manager. maxTokens <= 0 disables the token budget.
func NewContextManager(maxTokens int) *ContextManager {
	return &ContextManager{maxTokens: maxTokens}
}

// AddEntry appends one history entry.
func (cm *ContextManager) AddEntry(e proto.HistoryEntry) {
	cm.entries = append(cm.entries, e)
}

// CountTokens returns the tiktoken count of the window.
func (cm *ContextManager) CountTokens() int {
	total := 0
	for i := range cm.entries {
		total += entryTokens(&cm.entries[i])
	}
	return total
}

func entryTokens(e *proto.HistoryEntry) int {
	return utils.CountTokens(e.Content) + perEntryOverhead
}

// ShouldCompact reports whether the window exceeds the token budget.
func (cm *ContextManager) ShouldCompact() bool {
	return cm.maxTokens > 0 && cm.CountTokens() > cm.maxTokens
}

// CompactIfNeeded drops the oldest entries until the window fits. The newest
// entry is always kept, truncated if it alone exceeds the budget.
func (cm *ContextManager) CompactIfNeeded() {
	if !cm.ShouldCompact() {
		return
	}
	total := cm.CountTokens()
	drop := 0
	for drop < len(cm.entries)-1 && total > cm.maxTokens {
		total -= entryTokens(&cm.entries[drop])
		drop++
	}
	cm.entries = append([]proto.HistoryEntry(nil), cm.entries[drop:]...)

	if total > cm.maxTokens && len(cm.entries) == 1 {
		budget := cm.maxTokens - perEntryOverhead
		if budget < 1 {
			budget = 1
		}
		cm.entries[0].Content = utils.TruncateToTokens(cm.entries[0].Content, budget)
	}
}

// Entries returns a copy of the window.
func (cm *ContextManager) Entries() []proto.HistoryEntry {
	return append([]proto.HistoryEntry(nil), cm.entries...)
}

// Len returns the number of entries.
func (cm *ContextManager) Len() int {
	return len(cm.entries)
}

// Summary describes the window for debug logs.
func (cm *ContextManager) Summary() string {
	if len(cm.entries) == 0 {
		return "Empty context"
	}
	counts := make(map[proto.Role]int)
	for i := range cm.entries {
		counts[cm.entries[i].Role]++
	}
	parts := make([]string, 0, len(counts))
	for _, role := range []proto.Role{proto.RoleUser, proto.RoleAssistant} {
		if n := counts[role]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", role, n))
		}
	}
	return fmt.Sprintf("%d entries (%d tokens) - %s", len(cm.entries), cm.CountTokens(), strings.Join(parts, ", "))
}

// Window returns at most maxEntries trailing entries of history, compacted
// to maxTokens. The input slice is not modified.
func Window(history []proto.HistoryEntry, maxEntries, maxTokens int) []proto.HistoryEntry {
	if maxEntries <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > maxEntries {
		history = history[len(history)-maxEntries:]
	}
	cm := NewContextManager(maxTokens)
	for _, e := range history {
		cm.AddEntry(e)
	}
	cm.CompactIfNeeded()
	return cm.Entries()
}
