package webui

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// messageInput is one message as posted by a client.
type messageInput struct {
	ID        string          `json:"id,omitempty"`
	Role      proto.Role      `json:"role"`
	Content   string          `json:"content"`
	Stage     proto.Stage     `json:"stage,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

func (m messageInput) toMessage(projectID, userID string) persistence.Message {
	out := persistence.Message{
		ID:        m.ID,
		ProjectID: projectID,
		UserID:    userID,
		Role:      m.Role,
		Content:   m.Content,
		Stage:     m.Stage,
		CreatedAt: m.Timestamp.UTC(),
	}
	if len(m.Artifacts) > 0 && string(m.Artifacts) != "null" {
		out.Artifacts = m.Artifacts
	}
	return out
}

func validRole(r proto.Role) bool {
	return r == proto.RoleUser || r == proto.RoleAssistant
}

func (s *Server) messagesAvailable(w http.ResponseWriter) bool {
	if s.opts.Messages == nil {
		s.writeError(w, http.StatusServiceUnavailable, "message storage not configured")
		return false
	}
	return true
}

// handleMessagesList implements GET /api/messages/{projectID}. The optional
// limit parameter returns only the latest messages.
func (s *Server) handleMessagesList(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if !s.requireUser(w, userID) || !s.messagesAvailable(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	projectID := r.PathValue("projectID")
	msgs, err := s.opts.Messages.List(r.Context(), projectID, limit)
	if err != nil {
		s.logger.Error("Failed to list messages for project %s: %v", projectID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}
	out := make([]persistence.Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].UserID == userID {
			out = append(out, msgs[i])
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleMessagesAdd implements POST /api/messages and POST /api/messages/{projectID}.
func (s *Server) handleMessagesAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string        `json:"projectId"`
		UserID    string        `json:"userId"`
		Message   *messageInput `json:"message"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if id := r.PathValue("projectID"); id != "" {
		body.ProjectID = id
	}
	if body.UserID == "" {
		body.UserID = userIDFrom(r)
	}
	if body.ProjectID == "" || body.UserID == "" || body.Message == nil {
		s.writeError(w, http.StatusBadRequest, "projectId, userId, and message are required")
		return
	}
	if !validRole(body.Message.Role) {
		s.writeError(w, http.StatusBadRequest, "message role must be user or assistant")
		return
	}
	if !s.messagesAvailable(w) {
		return
	}
	saved, err := s.opts.Messages.Add(r.Context(), body.Message.toMessage(body.ProjectID, body.UserID))
	if err != nil {
		s.logger.Error("Failed to save message for project %s: %v", body.ProjectID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save message")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": saved})
}

// handleMessagesBatch implements POST /api/messages/batch.
func (s *Server) handleMessagesBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string         `json:"projectId"`
		UserID    string         `json:"userId"`
		Messages  []messageInput `json:"messages"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	if body.UserID == "" {
		body.UserID = userIDFrom(r)
	}
	if body.ProjectID == "" || body.UserID == "" || body.Messages == nil {
		s.writeError(w, http.StatusBadRequest, "projectId, userId, and messages array are required")
		return
	}
	msgs := make([]persistence.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		if !validRole(m.Role) {
			s.writeError(w, http.StatusBadRequest, "message role must be user or assistant")
			return
		}
		msgs = append(msgs, m.toMessage(body.ProjectID, body.UserID))
	}
	if !s.messagesAvailable(w) {
		return
	}
	saved, err := s.opts.Messages.AddBatch(r.Context(), msgs)
	if err != nil {
		s.logger.Error("Failed to save %d messages for project %s: %v", len(msgs), body.ProjectID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save messages")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": saved})
}

// handleMessagesDelete implements DELETE /api/messages/{projectID}.
func (s *Server) handleMessagesDelete(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if !s.requireUser(w, userID) || !s.messagesAvailable(w) {
		return
	}
	projectID := r.PathValue("projectID")
	n, err := s.opts.Messages.DeleteAll(r.Context(), projectID)
	if err != nil {
		s.logger.Error("Failed to delete messages for project %s: %v", projectID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to delete messages")
		return
	}
	s.logger.Info("Deleted %d messages for project %s", n, projectID)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}
