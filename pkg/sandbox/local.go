package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/utils"
)

// ErrUnknownSandbox is returned for handles this provisioner did not create.
var ErrUnknownSandbox = errors.New("unknown sandbox")

// LocalProvisioner keeps each sandbox in a directory under baseDir and runs
// commands with sh on the local machine.
type LocalProvisioner struct {
	baseDir        string
	previewBaseURL string
	logger         *logx.Logger

	mu    sync.Mutex
	procs map[string][]*exec.Cmd
}

// NewLocalProvisioner creates baseDir if needed. previewBaseURL, when set,
// is joined with "/preview/<id>/" to form each sandbox URL.
func NewLocalProvisioner(baseDir, previewBaseURL string) (*LocalProvisioner, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "appforge-sandboxes")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory %s: %w", baseDir, err)
	}
	return &LocalProvisioner{
		baseDir:        baseDir,
		previewBaseURL: strings.TrimRight(previewBaseURL, "/"),
		logger:         logx.NewLogger("sandbox"),
		procs:          make(map[string][]*exec.Cmd),
	}, nil
}

// BaseDir is the directory holding every sandbox, one subdirectory per ID.
func (l *LocalProvisioner) BaseDir() string {
	return l.baseDir
}

// Dir returns the root directory of h.
func (l *LocalProvisioner) Dir(h Handle) (string, error) {
	if h.ID == "" || utils.SanitizeIdentifier(h.ID) != h.ID {
		return "", fmt.Errorf("%w: %q", ErrUnknownSandbox, h.ID)
	}
	dir := filepath.Join(l.baseDir, h.ID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}
	return dir, nil
}

func (l *LocalProvisioner) Create(ctx context.Context, files proto.FileMap) (Handle, error) {
	h := Handle{ID: uuid.NewString()}
	if l.previewBaseURL != "" {
		h.URL = l.previewBaseURL + "/preview/" + h.ID + "/"
	}
	if err := os.MkdirAll(filepath.Join(l.baseDir, h.ID), 0o755); err != nil {
		return Handle{}, fmt.Errorf("failed to create sandbox %s: %w", h.ID, err)
	}
	for _, path := range files.Paths() {
		if err := l.WriteFile(ctx, h, path, files[path]); err != nil {
			_ = l.Delete(ctx, h)
			return Handle{}, err
		}
	}
	l.logger.Info("created sandbox %s with %d files", h.ID, len(files))
	return h, nil
}

func (l *LocalProvisioner) WriteFile(_ context.Context, h Handle, path, content string) error {
	dir, err := l.Dir(h)
	if err != nil {
		return err
	}
	target, err := utils.SafeJoin(dir, path)
	if err != nil {
		return fmt.Errorf("invalid sandbox path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := utils.WriteFileAtomic(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (l *LocalProvisioner) RunCommand(ctx context.Context, h Handle, command string, blocking bool, timeout time.Duration) (string, error) {
	dir, err := l.Dir(h)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command cannot be empty")
	}

	if !blocking {
		// Background processes outlive the request; Delete stops them.
		cmd := exec.Command("sh", "-c", command) //nolint:gosec // commands come from the deploy flow
		cmd.Dir = dir
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("failed to start %q: %w", command, err)
		}
		l.mu.Lock()
		l.procs[h.ID] = append(l.procs[h.ID], cmd)
		l.mu.Unlock()
		go func() { _ = cmd.Wait() }()
		return "", nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // commands come from the deploy flow
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	start := time.Now()
	err = cmd.Run()
	l.logger.Debug("sandbox %s: %q finished in %s", h.ID, command, time.Since(start))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), fmt.Errorf("%q exited with code %d", command, exitErr.ExitCode())
		}
		return out.String(), fmt.Errorf("failed to run %q: %w", command, err)
	}
	return out.String(), nil
}

func (l *LocalProvisioner) Delete(_ context.Context, h Handle) error {
	l.mu.Lock()
	procs := l.procs[h.ID]
	delete(l.procs, h.ID)
	l.mu.Unlock()
	killAll(procs)

	dir, err := l.Dir(h)
	if errors.Is(err, ErrUnknownSandbox) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete sandbox %s: %w", h.ID, err)
	}
	return nil
}

// Close stops every background process started by RunCommand. Sandbox
// directories are left in place.
func (l *LocalProvisioner) Close() error {
	l.mu.Lock()
	var procs []*exec.Cmd
	for id, cmds := range l.procs {
		procs = append(procs, cmds...)
		delete(l.procs, id)
	}
	l.mu.Unlock()
	if len(procs) > 0 {
		l.logger.Info("stopping %d sandbox process(es)", len(procs))
	}
	killAll(procs)
	return nil
}

func killAll(procs []*exec.Cmd) {
	for _, cmd := range procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
