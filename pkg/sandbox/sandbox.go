// Package sandbox materializes generated apps so they can be previewed.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// Handle identifies a provisioned sandbox.
type Handle struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Provisioner creates and drives sandboxes.
type Provisioner interface {
	Create(ctx context.Context, files proto.FileMap) (Handle, error)
	WriteFile(ctx context.Context, h Handle, path, content string) error
	// RunCommand runs cmd in the sandbox root. A non-blocking command is
	// started in the background and its output is not returned.
	RunCommand(ctx context.Context, h Handle, cmd string, blocking bool, timeout time.Duration) (string, error)
	Delete(ctx context.Context, h Handle) error
}

//nolint:gochecknoglobals // fixed heuristics
var (
	backendPathHints = []string{"server", "api", "backend", "express", "database"}
	backendDeps      = []string{"express", "fastify", "koa", "nestjs", "@nestjs/core", "prisma", "mongoose"}
)

// NeedsSandbox reports whether files look like an app that must be installed
// and run rather than served statically.
func NeedsSandbox(files proto.FileMap) bool {
	if raw, ok := files["package.json"]; ok {
		var pkg struct {
			Dependencies map[string]string `json:"dependencies"`
		}
		if json.Unmarshal([]byte(raw), &pkg) == nil {
			for _, dep := range backendDeps {
				if _, ok := pkg.Dependencies[dep]; ok {
					return true
				}
			}
		}
	}
	for path := range files {
		lower := strings.ToLower(path)
		for _, hint := range backendPathHints {
			if strings.Contains(lower, hint) {
				return true
			}
		}
	}
	return false
}

// StartCommand returns the npm command that starts the app, or "" when
// package.json defines neither a dev nor a start script.
func StartCommand(files proto.FileMap) string {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if json.Unmarshal([]byte(files["package.json"]), &pkg) != nil {
		return ""
	}
	if _, ok := pkg.Scripts["dev"]; ok {
		return "npm run dev"
	}
	if _, ok := pkg.Scripts["start"]; ok {
		return "npm start"
	}
	return ""
}

// DeployOptions tunes Deploy.
type DeployOptions struct {
	InstallCommand string
	InstallTimeout time.Duration
	// Port is exported to the start command as PORT.
	Port int
	// IndexHTML renders a static entry page when files have no index.html.
	IndexHTML func(files proto.FileMap) string
}

// Deploy creates a sandbox for files and starts it the way its contents
// require. Install and start failures are logged and do not fail the deploy.
func Deploy(ctx context.Context, p Provisioner, files proto.FileMap, opts DeployOptions) (Handle, error) {
	logger := logx.NewLogger("sandbox")

	h, err := p.Create(ctx, files)
	if err != nil {
		return Handle{}, fmt.Errorf("create sandbox: %w", err)
	}

	if _, ok := files["index.html"]; !ok && opts.IndexHTML != nil {
		if err := p.WriteFile(ctx, h, "index.html", opts.IndexHTML(files)); err != nil {
			logger.Warn("failed to write index.html to sandbox %s: %v", h.ID, err)
		}
	}

	if !NeedsSandbox(files) {
		return h, nil
	}

	if _, ok := files["package.json"]; ok && opts.InstallCommand != "" {
		if _, err := p.RunCommand(ctx, h, opts.InstallCommand, true, opts.InstallTimeout); err != nil {
			logger.Warn("install failed in sandbox %s: %v", h.ID, err)
		}
	}
	if start := StartCommand(files); start != "" {
		cmd := start
		if opts.Port > 0 {
			cmd = fmt.Sprintf("PORT=%d HOST=0.0.0.0 %s", opts.Port, start)
		}
		if _, err := p.RunCommand(ctx, h, cmd, false, 0); err != nil {
			logger.Warn("failed to start app in sandbox %s: %v", h.ID, err)
		}
	}
	return h, nil
}
