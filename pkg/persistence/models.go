package persistence

import (
	"encoding/json"
	"time"

	"appforge/pkg/proto"
)

// Project is a user's app-generation workspace.
type Project struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProjectSummary is a Project with its pipeline status and latest message.
type ProjectSummary struct {
	Project
	Status      proto.Status `json:"status,omitempty"`
	LastMessage string       `json:"last_message,omitempty"`
}

// Message is one persisted chat message.
type Message struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	Role      proto.Role      `json:"role"`
	Content   string          `json:"content"`
	Stage     proto.Stage     `json:"stage,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
