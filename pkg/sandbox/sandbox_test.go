package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/proto"
)

func TestNeedsSandbox(t *testing.T) {
	tests := []struct {
		name  string
		files proto.FileMap
		want  bool
	}{
		{"static react app", proto.FileMap{"App.tsx": "", "package.json": `{"dependencies": {"react": "^18"}}`}, false},
		{"backend dependency", proto.FileMap{"App.tsx": "", "package.json": `{"dependencies": {"express": "^4"}}`}, true},
		{"server file", proto.FileMap{"server.js": ""}, true},
		{"api directory", proto.FileMap{"src/api/todos.ts": ""}, true},
		{"invalid package.json", proto.FileMap{"package.json": "{"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsSandbox(tt.files))
		})
	}
}

func TestStartCommand(t *testing.T) {
	assert.Equal(t, "npm run dev", StartCommand(proto.FileMap{"package.json": `{"scripts": {"dev": "vite", "start": "node ."}}`}))
	assert.Equal(t, "npm start", StartCommand(proto.FileMap{"package.json": `{"scripts": {"start": "node ."}}`}))
	assert.Equal(t, "", StartCommand(proto.FileMap{"package.json": `{}`}))
	assert.Equal(t, "", StartCommand(proto.FileMap{}))
}

func TestLocalProvisionerLifecycle(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvisioner(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)

	h, err := p.Create(ctx, proto.FileMap{"App.tsx": "app", "src/util.ts": "util"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/preview/"+h.ID+"/", h.URL)

	dir, err := p.Dir(h)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "src", "util.ts"))
	require.NoError(t, err)
	assert.Equal(t, "util", string(data))

	require.NoError(t, p.WriteFile(ctx, h, "index.html", "<h1>hi</h1>"))
	require.Error(t, p.WriteFile(ctx, h, "../escape.txt", "x"))

	out, err := p.RunCommand(ctx, h, "cat index.html", true, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", out)

	_, err = p.RunCommand(ctx, h, "exit 3", true, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")

	_, err = p.RunCommand(ctx, h, "sleep 30", false, 0)
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, h))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = p.Dir(h)
	require.ErrorIs(t, err, ErrUnknownSandbox)
	require.NoError(t, p.Delete(ctx, h))
}

func TestCloseStopsBackgroundProcesses(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvisioner(t.TempDir(), "")
	require.NoError(t, err)

	h, err := p.Create(ctx, proto.FileMap{"server.js": "require('http')"})
	require.NoError(t, err)
	dir, err := p.Dir(h)
	require.NoError(t, err)

	_, err = p.RunCommand(ctx, h, "sleep 0.5 && touch started", false, 0)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	time.Sleep(time.Second)
	_, err = os.Stat(filepath.Join(dir, "started"))
	assert.True(t, os.IsNotExist(err), "background command kept running after Close")
	_, err = os.Stat(dir)
	assert.NoError(t, err, "Close leaves sandbox files in place")
	assert.NoError(t, p.Close())
}

func TestRunCommandTimeout(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvisioner(t.TempDir(), "")
	require.NoError(t, err)
	h, err := p.Create(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, h.URL)

	_, err = p.RunCommand(ctx, h, "sleep 5", true, 50*time.Millisecond)
	require.Error(t, err)
}

func TestDirRejectsForeignHandles(t *testing.T) {
	p, err := NewLocalProvisioner(t.TempDir(), "")
	require.NoError(t, err)
	_, err = p.Dir(Handle{ID: "../etc"})
	require.ErrorIs(t, err, ErrUnknownSandbox)
	_, err = p.Dir(Handle{})
	require.ErrorIs(t, err, ErrUnknownSandbox)
}

type recordingProvisioner struct {
	written  map[string]string
	commands []string
}

func (r *recordingProvisioner) Create(context.Context, proto.FileMap) (Handle, error) {
	r.written = map[string]string{}
	return Handle{ID: "sb", URL: "http://preview"}, nil
}

func (r *recordingProvisioner) WriteFile(_ context.Context, _ Handle, path, content string) error {
	r.written[path] = content
	return nil
}

func (r *recordingProvisioner) RunCommand(_ context.Context, _ Handle, cmd string, blocking bool, _ time.Duration) (string, error) {
	mode := "bg"
	if blocking {
		mode = "fg"
	}
	r.commands = append(r.commands, mode+":"+cmd)
	return "", nil
}

func (r *recordingProvisioner) Delete(context.Context, Handle) error { return nil }

func TestDeployStaticApp(t *testing.T) {
	p := &recordingProvisioner{}
	h, err := Deploy(context.Background(), p, proto.FileMap{"App.tsx": "x"}, DeployOptions{
		InstallCommand: "npm install",
		IndexHTML:      func(proto.FileMap) string { return "<html>preview</html>" },
	})
	require.NoError(t, err)
	assert.Equal(t, "http://preview", h.URL)
	assert.Equal(t, "<html>preview</html>", p.written["index.html"])
	assert.Empty(t, p.commands)
}

func TestDeployServerApp(t *testing.T) {
	p := &recordingProvisioner{}
	files := proto.FileMap{
		"server.js":    "require('express')",
		"index.html":   "<html></html>",
		"package.json": `{"scripts": {"start": "node server.js"}, "dependencies": {"express": "^4"}}`,
	}
	_, err := Deploy(context.Background(), p, files, DeployOptions{InstallCommand: "npm install", Port: 8081})
	require.NoError(t, err)
	assert.NotContains(t, p.written, "index.html")
	assert.Equal(t, []string{"fg:npm install", "bg:PORT=8081 HOST=0.0.0.0 npm start"}, p.commands)
}
