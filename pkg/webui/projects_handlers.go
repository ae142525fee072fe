package webui

import (
	"errors"
	"net/http"
	"strings"

	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/state"
)

// projectInput is the body of project create and update requests.
type projectInput struct {
	UserID      string  `json:"userId"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// StateResponse is the body of GET /api/projects/{projectID}/state.
type StateResponse struct {
	State     proto.Snapshot `json:"state"`
	HasCode   bool           `json:"hasCode"`
	Files     []string       `json:"files"`
	ProjectID string         `json:"projectId"`
}

func (s *Server) projectsAvailable(w http.ResponseWriter) bool {
	if s.opts.Projects == nil {
		s.writeError(w, http.StatusServiceUnavailable, "project storage not configured")
		return false
	}
	return true
}

// requireUser writes a 400 and returns false when the request names no user.
func (s *Server) requireUser(w http.ResponseWriter, userID string) bool {
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "userId is required")
		return false
	}
	return true
}

// handleProjectsList implements GET /api/projects.
func (s *Server) handleProjectsList(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if !s.requireUser(w, userID) || !s.projectsAvailable(w) {
		return
	}
	projects, err := s.opts.Projects.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to list projects for %s: %v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get projects")
		return
	}
	if projects == nil {
		projects = []persistence.ProjectSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleProjectsCreate implements POST /api/projects.
func (s *Server) handleProjectsCreate(w http.ResponseWriter, r *http.Request) {
	var in projectInput
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if in.UserID == "" {
		in.UserID = userIDFrom(r)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.UserID == "" || in.Name == "" {
		s.writeError(w, http.StatusBadRequest, "userId and name are required")
		return
	}
	if !s.projectsAvailable(w) {
		return
	}
	p := persistence.Project{UserID: in.UserID, Name: in.Name}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	created, err := s.opts.Projects.Create(r.Context(), p)
	if err != nil {
		s.logger.Error("Failed to create project for %s: %v", in.UserID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}
	s.logger.Info("Created project %s for %s", created.ID, created.UserID)
	s.writeJSON(w, http.StatusCreated, map[string]any{"project": created})
}

// handleProjectGet implements GET /api/projects/{projectID}.
func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if !s.requireUser(w, userID) || !s.projectsAvailable(w) {
		return
	}
	p, err := s.opts.Projects.Get(r.Context(), userID, r.PathValue("projectID"))
	if err != nil {
		s.projectError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

// handleProjectUpdate implements PUT /api/projects/{projectID}. Omitted
// fields keep their stored value.
func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	var in projectInput
	if !s.decodeJSON(w, r, &in) {
		return
	}
	if in.UserID == "" {
		in.UserID = userIDFrom(r)
	}
	if !s.requireUser(w, in.UserID) || !s.projectsAvailable(w) {
		return
	}
	ctx := r.Context()
	p, err := s.opts.Projects.Get(ctx, in.UserID, r.PathValue("projectID"))
	if err != nil {
		s.projectError(w, err)
		return
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		p.Name = name
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	updated, err := s.opts.Projects.Update(ctx, p)
	if err != nil {
		s.projectError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"project": updated})
}

// handleProjectDelete implements DELETE /api/projects/{projectID}.
func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if !s.requireUser(w, userID) || !s.projectsAvailable(w) {
		return
	}
	ctx := r.Context()
	projectID := r.PathValue("projectID")
	if err := s.opts.Projects.Delete(ctx, userID, projectID); err != nil {
		s.projectError(w, err)
		return
	}
	if s.opts.States != nil {
		if err := s.opts.States.Delete(ctx, projectID, userID); err != nil {
			s.logger.Warn("Failed to delete state for project %s: %v", projectID, err)
		}
	}
	s.logger.Info("Deleted project %s for %s", projectID, userID)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleProjectState implements GET /api/projects/{projectID}/state.
func (s *Server) handleProjectState(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if !s.requireUser(w, userID) {
		return
	}
	if s.opts.States == nil {
		s.writeError(w, http.StatusServiceUnavailable, "state storage not configured")
		return
	}
	projectID := r.PathValue("projectID")
	snap, err := s.opts.States.Load(r.Context(), projectID, userID)
	if errors.Is(err, state.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Project state not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load state for project %s: %v", projectID, err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load project state")
		return
	}
	s.writeJSON(w, http.StatusOK, StateResponse{
		State:     snap,
		HasCode:   len(snap.Code) > 0,
		Files:     snap.Code.Paths(),
		ProjectID: projectID,
	})
}

// handleProjectUsage implements GET /api/projects/{projectID}/usage.
func (s *Server) handleProjectUsage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Usage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "usage metrics not configured")
		return
	}
	projectID := r.PathValue("projectID")
	usage, err := s.opts.Usage.GetProjectUsage(r.Context(), projectID)
	if err != nil {
		s.logger.Error("Failed to query usage for project %s: %v", projectID, err)
		s.writeError(w, http.StatusBadGateway, "Failed to query usage metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"usage": usage})
}

func (s *Server) projectError(w http.ResponseWriter, err error) {
	if errors.Is(err, persistence.ErrProjectNotFound) {
		s.writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	s.logger.Error("Project request failed: %v", err)
	s.writeError(w, http.StatusInternalServerError, "Project request failed")
}
