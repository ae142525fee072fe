package state

import "appforge/pkg/proto"

// Event is a state change produced by the classifier, the supervisor, a
// stage executor or the verifier.
type Event interface {
	apply(s *proto.ProjectState)
}

// Apply returns a copy of s with e applied. s is never modified.
func Apply(s proto.ProjectState, e Event) proto.ProjectState {
	next := s.Clone()
	if e != nil {
		e.apply(&next)
	}
	return next
}

// Classified records the classifier outcome. NeedsFix is dropped when there
// is no code to fix, and only a code_optimization intent keeps the
// modification flag set by the keyword check.
type Classified struct {
	Intent   proto.Intent
	NeedsFix bool
}

func (e Classified) apply(s *proto.ProjectState) {
	s.Intent = e.Intent
	s.NeedsFix = e.NeedsFix && s.HasCode()
	switch e.Intent {
	case proto.IntentNewProject, proto.IntentChat:
		s.IsModification = false
	case proto.IntentCodeOptimization:
	}
}

// Routed records the supervisor decision.
type Routed struct {
	Stage          proto.Stage
	Status         proto.Status
	IsModification bool
}

func (e Routed) apply(s *proto.ProjectState) {
	s.NextStage = e.Stage
	s.Status = e.Status
	s.IsModification = e.IsModification
}

// RequirementsDone stores the PRD verbatim.
type RequirementsDone struct {
	Text string
}

func (e RequirementsDone) apply(s *proto.ProjectState) {
	s.Requirements = e.Text
	s.Status = proto.StatusDesigning
}

// ArchitectureDone stores the architecture verbatim.
type ArchitectureDone struct {
	Text string
}

func (e ArchitectureDone) apply(s *proto.ProjectState) {
	s.Architecture = e.Text
	s.Status = proto.StatusCoding
}

// CodeDone replaces the whole file map. An empty map leaves the previous
// code untouched so a failed generation never erases working files.
type CodeDone struct {
	Files proto.FileMap
}

func (e CodeDone) apply(s *proto.ProjectState) {
	if len(e.Files) > 0 {
		s.Code = e.Files.Clone()
	}
	s.Status = proto.StatusCoding
}

// ConversationDone ends a chat turn and records the reply in history.
type ConversationDone struct {
	Text string
}

func (e ConversationDone) apply(s *proto.ProjectState) {
	s.ConversationHistory = append(s.ConversationHistory, proto.HistoryEntry{
		Role:    proto.RoleAssistant,
		Content: e.Text,
		Stage:   proto.StageConversation,
	})
	s.Status = proto.StatusComplete
	s.NextStage = proto.StageComplete
}

// VerificationFailed enters a repair cycle. RepairMessage must be built from
// OriginalUserMessage, which is left untouched.
type VerificationFailed struct {
	Issues        []string
	RepairMessage string
}

func (e VerificationFailed) apply(s *proto.ProjectState) {
	s.Issues = append([]string(nil), e.Issues...)
	s.UserMessage = e.RepairMessage
	s.IsModification = true
	s.Status = proto.StatusCoding
	s.RepairCount++
}

// Completed finishes the pipeline.
type Completed struct{}

func (Completed) apply(s *proto.ProjectState) {
	s.Status = proto.StatusComplete
	s.NextStage = proto.StageComplete
	s.Issues = nil
}
