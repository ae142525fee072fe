package proto

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EventType identifies an orchestration event sent to the caller.
type EventType string

const (
	EventAgentStart    EventType = "agent_start"
	EventContentUpdate EventType = "content_update"
	EventAgentComplete EventType = "agent_complete"
	EventComplete      EventType = "complete"
	EventIncomplete    EventType = "incomplete"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// IsTerminal reports whether an event of this type ends a run.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventIncomplete || t == EventError
}

// MaxErrorDetails caps Event.Details.
const MaxErrorDetails = 500

// Artifact is a typed payload attached to a stage or terminal event.
type Artifact struct {
	Type    ArtifactType `json:"type"`
	Content any          `json:"content"`
}

// Event is one item of the orchestration stream.
type Event struct {
	Timestamp time.Time  `json:"timestamp"`
	Type      EventType  `json:"type"`
	ProjectID string     `json:"project_id,omitempty"`
	Stage     Stage      `json:"stage,omitempty"`
	Content   string     `json:"content,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
	Details   string     `json:"details,omitempty"`
	Iteration int        `json:"iteration,omitempty"`
}

// ToJSON encodes the event.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

func newEvent(t EventType, stage Stage, content string) Event {
	return Event{Timestamp: time.Now().UTC(), Type: t, Stage: stage, Content: content}
}

// NewAgentStart announces that stage has begun.
func NewAgentStart(stage Stage, content string) Event {
	return newEvent(EventAgentStart, stage, content)
}

// NewContentUpdate carries the cumulative text of stage so far.
func NewContentUpdate(stage Stage, cumulative string) Event {
	return newEvent(EventContentUpdate, stage, cumulative)
}

// NewAgentComplete reports a finalized stage.
func NewAgentComplete(stage Stage, content string, artifacts ...Artifact) Event {
	e := newEvent(EventAgentComplete, stage, content)
	e.Artifacts = artifacts
	return e
}

// NewComplete is the successful terminal event.
func NewComplete(content string, artifacts []Artifact) Event {
	e := newEvent(EventComplete, "", content)
	e.Artifacts = artifacts
	return e
}

// NewIncomplete signals that the iteration budget ran out.
func NewIncomplete(content, reason string) Event {
	e := newEvent(EventIncomplete, "", content)
	e.Error = reason
	return e
}

// NewError is the failure terminal event. Details are truncated to MaxErrorDetails.
func NewError(message, details string) Event {
	e := newEvent(EventError, "", "")
	e.Error = message
	if len(details) > MaxErrorDetails {
		details = details[:MaxErrorDetails]
	}
	e.Details = details
	return e
}

// NewDone is the stream trailer written after the terminal event.
func NewDone() Event {
	return Event{Timestamp: time.Now().UTC(), Type: EventDone}
}

// ArtifactsOf lists the artifacts present on s in requirements, architecture, code order.
func ArtifactsOf(s *ProjectState) []Artifact {
	var out []Artifact
	if s.Requirements != "" {
		out = append(out, Artifact{Type: ArtifactRequirements, Content: s.Requirements})
	}
	if s.Architecture != "" {
		out = append(out, Artifact{Type: ArtifactArchitecture, Content: s.Architecture})
	}
	if s.HasCode() {
		out = append(out, Artifact{Type: ArtifactCode, Content: s.Code.Clone()})
	}
	return out
}

// Paths returns the file paths of m in sorted order.
func (m FileMap) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
