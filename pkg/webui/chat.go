package webui

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"appforge/pkg/filemap"
	"appforge/pkg/orchestrator"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
)

// DefaultFixProjectID is used by the error-fix route when the request names
// no project, so fixes of unsaved code do not touch the default project.
const DefaultFixProjectID = "fix-error"

// ChatResponse is the reply of POST /api/chat.
type ChatResponse struct {
	ID        string           `json:"id"`
	Agent     string           `json:"agent"`
	Type      proto.EventType  `json:"type"`
	Content   string           `json:"content"`
	Artifacts []proto.Artifact `json:"artifacts"`
	Error     string           `json:"error,omitempty"`
}

// FixRequest is the body of POST /api/chat/fix-error.
type FixRequest struct {
	ErrorID     string                    `json:"errorId"`
	ErrorInfo   orchestrator.RuntimeError `json:"errorInfo"`
	CodeContext proto.FileMap             `json:"codeContext"`
	ProjectID   string                    `json:"projectId,omitempty"`
	UserID      string                    `json:"userId,omitempty"`
}

// FixResponse is the reply of POST /api/chat/fix-error.
type FixResponse struct {
	Success     bool          `json:"success"`
	ErrorID     string        `json:"errorId"`
	FixedCode   proto.FileMap `json:"fixedCode,omitempty"`
	Explanation string        `json:"explanation,omitempty"`
	Message     string        `json:"message"`
	Error       string        `json:"error,omitempty"`
}

// collectSink keeps what a blocking handler needs from a run: the terminal
// event, the last stage that started and the latest code-stage text.
type collectSink struct {
	mirror func(proto.Event)

	terminal *proto.Event
	stage    proto.Stage
	codeText string
}

func (c *collectSink) Send(e proto.Event) error {
	if c.mirror != nil {
		c.mirror(e)
	}
	switch {
	case e.Type == proto.EventAgentStart:
		c.stage = e.Stage
	case e.Type == proto.EventContentUpdate && e.Stage == proto.StageCode:
		c.codeText = e.Content
	case e.Type.IsTerminal():
		t := e
		c.terminal = &t
	}
	return nil
}

// handleChat implements POST /api/chat: one turn run to completion and
// answered with its terminal event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
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

	sink := &collectSink{mirror: s.mirror(req.ProjectID)}
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

	t := sink.terminal
	if t == nil || t.Type == proto.EventError {
		msg := "Internal server error"
		if t != nil {
			msg = t.Error
		} else if err != nil {
			msg = err.Error()
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Internal server error",
			"message": msg,
		})
		return
	}
	agent := string(sink.stage)
	if agent == "" {
		agent = "supervisor"
	}
	artifacts := t.Artifacts
	if artifacts == nil {
		artifacts = []proto.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, ChatResponse{
		ID:        uuid.NewString(),
		Agent:     agent,
		Type:      t.Type,
		Content:   t.Content,
		Artifacts: artifacts,
		Error:     t.Error,
	})
}

// handleChatFix implements POST /api/chat/fix-error. The error report becomes
// a fix request that goes straight to the code stage with the client's files
// as the current code. When the model output cannot be parsed the reported
// files come back unchanged.
func (s *Server) handleChatFix(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ErrorInfo.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "errorInfo.message is required")
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = DefaultFixProjectID
	}
	req.UserID = resolveUserID(r, req.UserID)

	message := orchestrator.BuildFixMessage(req.ErrorInfo)
	sink := &collectSink{mirror: s.mirror(req.ProjectID)}
	st, err := s.opts.Runner.Run(r.Context(), orchestrator.Request{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Message:   message,
		Code:      req.CodeContext,
		Fix:       true,
	}, sink)

	t := sink.terminal
	if t == nil || t.Type == proto.EventError {
		reason := "fix run produced no result"
		switch {
		case t != nil:
			reason = t.Error
		case err != nil:
			reason = err.Error()
		}
		s.logger.Warn("Fix for error %s in project %s failed: %s", req.ErrorID, req.ProjectID, reason)
		s.writeJSON(w, http.StatusInternalServerError, FixResponse{
			ErrorID: req.ErrorID,
			Error:   reason,
			Message: "Failed to fix error",
		})
		return
	}

	parsed := filemap.Parse(sink.codeText, req.CodeContext, message)
	resp := FixResponse{
		Success:     true,
		ErrorID:     req.ErrorID,
		FixedCode:   parsed.Files,
		Explanation: parsed.Explanation,
		Message:     "Error fixed successfully",
	}
	if st != nil && st.HasCode() && (parsed.Source == filemap.SourceParsed || len(req.CodeContext) == 0) {
		resp.FixedCode = st.Code
	}
	if parsed.Source != filemap.SourceParsed {
		resp.Message = "No fix could be parsed; the current code is returned unchanged"
		if resp.Explanation == "" {
			resp.Explanation = t.Content
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
