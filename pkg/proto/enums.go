package proto

import (
	"fmt"
	"strings"
)

// Status is the project's position in the generation pipeline.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusDesigning Status = "designing"
	StatusCoding    Status = "coding"
	StatusComplete  Status = "complete"
	StatusChatting  Status = "chatting"
)

// Stage names a unit of work the supervisor can route to.
type Stage string

const (
	StageRequirements Stage = "requirements"
	StageArchitecture Stage = "architecture"
	StageCode         Stage = "code"
	StageConversation Stage = "conversation"
	StageComplete     Stage = "complete"
)

// Intent is the classifier's reading of a user message.
type Intent string

const (
	IntentNewProject       Intent = "new_project"
	IntentCodeOptimization Intent = "code_optimization"
	IntentChat             Intent = "chat"
)

func (s Status) String() string { return string(s) }
func (s Stage) String() string  { return string(s) }
func (i Intent) String() string { return string(i) }

// ParseStatus normalises s into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPlanning:
		return StatusPlanning, nil
	case StatusDesigning:
		return StatusDesigning, nil
	case StatusCoding:
		return StatusCoding, nil
	case StatusComplete:
		return StatusComplete, nil
	case StatusChatting:
		return StatusChatting, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// ParseStage normalises s into a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageRequirements:
		return StageRequirements, nil
	case StageArchitecture:
		return StageArchitecture, nil
	case StageCode:
		return StageCode, nil
	case StageConversation:
		return StageConversation, nil
	case StageComplete:
		return StageComplete, nil
	default:
		return "", fmt.Errorf("unknown stage %q", s)
	}
}

// ParseIntent normalises s into an Intent.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentNewProject:
		return IntentNewProject, nil
	case IntentCodeOptimization:
		return IntentCodeOptimization, nil
	case IntentChat:
		return IntentChat, nil
	default:
		return "", fmt.Errorf("unknown intent %q", s)
	}
}

// IsTerminal reports whether the stage ends the loop once it has run.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageConversation
}

// ArtifactType tags the payload of an Artifact.
type ArtifactType string

const (
	ArtifactRequirements ArtifactType = "requirements"
	ArtifactArchitecture ArtifactType = "architecture"
	ArtifactCode         ArtifactType = "code"
)
