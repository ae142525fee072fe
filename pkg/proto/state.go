package proto

import "maps"

// Role is the speaker of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one turn of conversation.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Stage   Stage  `json:"stage,omitempty"`
}

// FileMap maps a relative file path to its full content.
type FileMap map[string]string

// Clone returns an independent copy. A nil map stays nil.
func (m FileMap) Clone() FileMap {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// ProjectState is the record carried across loop iterations and requests.
//
//nolint:govet // field order follows the persisted/transient split
type ProjectState struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`

	UserMessage         string `json:"user_message"`
	OriginalUserMessage string `json:"original_user_message"`

	Status         Status  `json:"status"`
	Requirements   string  `json:"requirements,omitempty"`
	Architecture   string  `json:"architecture,omitempty"`
	Code           FileMap `json:"code,omitempty"`
	IsModification bool    `json:"is_modification"`

	ConversationHistory []HistoryEntry `json:"conversation_history,omitempty"`

	// Transient routing data, never persisted.
	NextStage   Stage    `json:"next_stage,omitempty"`
	Intent      Intent   `json:"intent,omitempty"`
	NeedsFix    bool     `json:"needs_fix,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	RepairCount int      `json:"repair_count,omitempty"`
}

// HasCode reports whether a non-empty file map is present.
func (s *ProjectState) HasCode() bool {
	return len(s.Code) > 0
}

// HasArtifacts reports whether any generated artifact exists.
func (s *ProjectState) HasArtifacts() bool {
	return s.Requirements != "" || s.Architecture != "" || s.HasCode()
}

// Clone returns a deep copy so callers can derive new states without aliasing.
func (s ProjectState) Clone() ProjectState {
	out := s
	out.Code = s.Code.Clone()
	if s.ConversationHistory != nil {
		out.ConversationHistory = append([]HistoryEntry(nil), s.ConversationHistory...)
	}
	if s.Issues != nil {
		out.Issues = append([]string(nil), s.Issues...)
	}
	return out
}

// RecentHistory returns at most n trailing history entries.
func (s *ProjectState) RecentHistory(n int) []HistoryEntry {
	if n <= 0 || len(s.ConversationHistory) == 0 {
		return nil
	}
	if len(s.ConversationHistory) <= n {
		return s.ConversationHistory
	}
	return s.ConversationHistory[len(s.ConversationHistory)-n:]
}

// Snapshot is the persisted subset of ProjectState.
type Snapshot struct {
	Requirements string  `json:"requirements,omitempty"`
	Architecture string  `json:"architecture,omitempty"`
	Code         FileMap `json:"code,omitempty"`
	Status       Status  `json:"status"`
}

// Snapshot extracts the persisted fields.
func (s *ProjectState) Snapshot() Snapshot {
	return Snapshot{
		Requirements: s.Requirements,
		Architecture: s.Architecture,
		Code:         s.Code.Clone(),
		Status:       s.Status,
	}
}

// Restore copies a persisted snapshot onto the state.
func (s *ProjectState) Restore(snap Snapshot) {
	s.Requirements = snap.Requirements
	s.Architecture = snap.Architecture
	s.Code = snap.Code.Clone()
	s.Status = snap.Status
}
