package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"appforge/pkg/orchestrator"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// ChatRequest is the body of POST /api/chat and POST /api/chat/stream.
type ChatRequest struct {
	Message             string               `json:"message"`
	ProjectID           string               `json:"projectId"`
	UserID              string               `json:"userId,omitempty"`
	ConversationHistory []proto.HistoryEntry `json:"conversationHistory,omitempty"`
}

// streamSink writes events as server-sent events and mirrors them to the
// configured event sink.
type streamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mirror  func(proto.Event)

	terminal *proto.Event
}

func (s *streamSink) Send(e proto.Event) error {
	if s.mirror != nil {
		s.mirror(e)
	}
	if err := s.write(e); err != nil {
		return err
	}
	if e.Type.IsTerminal() {
		t := e
		s.terminal = &t
	}
	return nil
}

func (s *streamSink) write(e proto.Event) error {
	data, err := e.ToJSON()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("client write failed: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// handleChatStream implements POST /api/chat/stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	history := s.chatHistory(ctx, req)
	s.recordMessage(ctx, persistence.Message{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Role:      proto.RoleUser,
		Content:   req.Message,
	})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &streamSink{w: w, flusher: flusher, mirror: s.mirror(req.ProjectID)}

	_, err := s.opts.Runner.Run(ctx, orchestrator.Request{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Message:   req.Message,
		History:   history,
	}, sink)
	if err != nil {
		s.logger.Info("Chat run for project %s ended: %v", req.ProjectID, err)
	}

	if sink.terminal != nil {
		s.recordReply(context.WithoutCancel(ctx), req, sink.terminal)
	}
	if ctx.Err() == nil {
		_ = sink.write(proto.NewDone())
	}
}

// decodeChat reads a chat request and fills in the default project and user.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return req, false
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return req, false
	}
	if req.ProjectID == "" {
		req.ProjectID = DefaultProjectID
	}
	req.UserID = resolveUserID(r, req.UserID)
	return req, true
}

func resolveUserID(r *http.Request, userID string) string {
	if userID == "" {
		userID = userIDFrom(r)
	}
	if userID == "" {
		userID = DefaultUserID
	}
	return userID
}

// chatHistory returns the request's history, or the stored tail of the
// conversation when the request carries none.
func (s *Server) chatHistory(ctx context.Context, req ChatRequest) []proto.HistoryEntry {
	if len(req.ConversationHistory) > 0 || s.opts.Messages == nil || s.opts.HistoryWindow <= 0 {
		return req.ConversationHistory
	}
	stored, err := s.opts.Messages.History(ctx, req.ProjectID, s.opts.HistoryWindow)
	if err != nil {
		s.logger.Warn("Failed to load history for project %s: %v", req.ProjectID, err)
	}
	return stored
}

// mirror returns the copy hook for the configured event sink, or nil.
func (s *Server) mirror(projectID string) func(proto.Event) {
	if s.opts.Events == nil {
		return nil
	}
	return func(e proto.Event) {
		if err := s.opts.Events.Send(e); err != nil {
			s.logger.Warn("Event sink failed for project %s: %v", projectID, err)
		}
	}
}

// recordReply stores the terminal event as the assistant's message.
func (s *Server) recordReply(ctx context.Context, req ChatRequest, e *proto.Event) {
	content := e.Content
	if e.Type == proto.EventError {
		content = e.Error
	}
	if content == "" {
		return
	}
	m := persistence.Message{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Role:      proto.RoleAssistant,
		Content:   content,
		Stage:     e.Stage,
	}
	if len(e.Artifacts) > 0 {
		data, err := json.Marshal(e.Artifacts)
		if err != nil {
			s.logger.Warn("Failed to encode artifacts for project %s: %v", req.ProjectID, err)
		} else {
			m.Artifacts = data
		}
	}
	s.recordMessage(ctx, m)
}

// recordMessage persists m and bumps the project, logging failures.
func (s *Server) recordMessage(ctx context.Context, m persistence.Message) {
	if s.opts.Messages != nil {
		if _, err := s.opts.Messages.Add(ctx, m); err != nil {
			s.logger.Warn("Failed to store %s message for project %s: %v", m.Role, m.ProjectID, err)
		}
	}
	if s.opts.Projects != nil {
		if err := s.opts.Projects.Touch(ctx, m.UserID, m.ProjectID); err != nil {
			s.logger.Warn("Failed to touch project %s: %v", m.ProjectID, err)
		}
	}
}
