package webui

import (
	"net/http"
	"strings"

	"appforge/pkg/config"
)

// SecretEntry represents a secret for the API response (name only, no value).
type SecretEntry struct {
	Name string `json:"name"`
}

// handleSecretsList implements GET /api/secrets.
func (s *Server) handleSecretsList(w http.ResponseWriter, _ *http.Request) {
	names := config.SecretNames()
	entries := make([]SecretEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, SecretEntry{Name: name})
	}
	s.writeJSON(w, http.StatusOK, entries)
	s.logger.Debug("Served secrets list: %d secrets", len(entries))
}

// handleSecretsSet implements POST /api/secrets.
func (s *Server) handleSecretsSet(w http.ResponseWriter, r *http.Request) {
	var reqBody struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if !s.decodeJSON(w, r, &reqBody) {
		return
	}
	if reqBody.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Secret name is required")
		return
	}
	if reqBody.Value == "" {
		s.writeError(w, http.StatusBadRequest, "Secret value is required")
		return
	}
	if sanitizeSecretName(reqBody.Name) != reqBody.Name {
		s.writeError(w, http.StatusBadRequest, "Secret name must contain only alphanumeric characters and underscores")
		return
	}

	config.SetSecret(reqBody.Name, reqBody.Value)
	s.persistSecrets()

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": reqBody.Name})
	s.logger.Info("Secret %q set successfully", reqBody.Name)
}

// handleSecretsDelete implements DELETE /api/secrets/{name}.
func (s *Server) handleSecretsDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !config.DeleteSecret(name) {
		s.writeError(w, http.StatusNotFound, "Secret not found")
		return
	}
	s.persistSecrets()

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": name})
	s.logger.Info("Secret %q deleted successfully", name)
}

// persistSecrets rewrites the encrypted secrets file. Without a password the
// secrets live in memory only.
func (s *Server) persistSecrets() {
	if s.opts.SecretsPassword == "" || s.opts.SecretsDir == "" {
		s.logger.Warn("No secrets password set - secrets stored in memory only")
		return
	}
	if err := config.EncryptSecretsFile(s.opts.SecretsDir, s.opts.SecretsPassword, config.Secrets()); err != nil {
		s.logger.Error("Failed to persist secrets to file: %v", err)
	}
}

// sanitizeSecretName ensures secret name contains only valid characters.
func sanitizeSecretName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
