package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
)

const fakeEngineAPIVersion = "1.47"

var apiVersionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

// fakeEngine answers the subset of the Docker Engine API DockerSubstrate uses
type fakeEngine struct {
	t *testing.T

	mu       sync.Mutex
	requests []*http.Request
	created  container.CreateRequest
	archive  []byte

	createStatus int
	execStdout   string
	execStderr   string
	holdAttach   bool
	runningPolls int
	exitCode     int
	containers   string
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := apiVersionPrefix.ReplaceAllString(r.URL.Path, "")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	e.mu.Lock()
	e.requests = append(e.requests, r)
	e.mu.Unlock()

	switch {
	case path == "/_ping":
		w.Header().Set("Api-Version", fakeEngineAPIVersion)
		w.Header().Set("Ostype", "linux")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, "OK")
		}

	case r.Method == http.MethodPost && path == "/containers/create":
		if e.createStatus == http.StatusNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No such image: python:0-alpine"})
			return
		}
		var req container.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		e.mu.Lock()
		e.created = req
		e.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"Id": "c-1", "Warnings": []string{}})

	case r.Method == http.MethodGet && path == "/containers/json":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, e.containers)

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "containers" && parts[2] == "start":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "containers" && parts[2] == "stop":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "containers" && parts[2] == "archive":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		e.mu.Lock()
		e.archive = data
		e.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "containers":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "containers" && parts[2] == "exec":
		writeJSON(w, http.StatusCreated, map[string]string{"Id": "exec-1"})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "exec" && parts[2] == "start":
		e.attach(w)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "exec" && parts[2] == "json":
		e.mu.Lock()
		running := e.runningPolls > 0
		if running {
			e.runningPolls--
		}
		e.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"ID": parts[1], "Running": running, "ExitCode": e.exitCode})

	default:
		e.t.Errorf("unexpected engine request: %s %s", r.Method, r.URL.Path)
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "page not found"})
	}
}

// attach upgrades the connection and streams multiplexed output frames
func (e *fakeEngine) attach(w http.ResponseWriter) {
	conn, buf, err := w.(http.Hijacker).Hijack()
	if err != nil {
		e.t.Errorf("failed to hijack exec attach: %v", err)
		return
	}
	defer conn.Close()

	_, _ = io.WriteString(conn, "HTTP/1.1 101 UPGRADED\r\n"+
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: tcp\r\n\r\n")
	if e.execStdout != "" {
		_, _ = stdcopy.NewStdWriter(conn, stdcopy.Stdout).Write([]byte(e.execStdout))
	}
	if e.execStderr != "" {
		_, _ = stdcopy.NewStdWriter(conn, stdcopy.Stderr).Write([]byte(e.execStderr))
	}
	if e.holdAttach {
		// Block until the client drops the connection.
		_, _ = io.Copy(io.Discard, buf.Reader)
	}
}

func (e *fakeEngine) find(method, suffix string) *http.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.requests {
		if r.Method == method && strings.HasSuffix(r.URL.Path, suffix) {
			return r
		}
	}
	return nil
}

func (e *fakeEngine) createRequest() container.CreateRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created
}

func (e *fakeEngine) copied() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.archive
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeEngine(t *testing.T, engine *fakeEngine) (*DockerSubstrate, string) {
	t.Helper()
	t.Setenv("DOCKER_TLS_VERIFY", "")
	t.Setenv("DOCKER_CERT_PATH", "")
	t.Setenv("DOCKER_API_VERSION", "")

	engine.t = t
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	host := "tcp://" + srv.Listener.Addr().String()
	d, err := NewDockerSubstrate(host)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, host
}

func TestDockerCreate(t *testing.T) {
	engine := &fakeEngine{}
	d, _ := newFakeEngine(t, engine)

	id, err := d.Create(context.Background(), Spec{
		Name:        "runbox-1",
		Image:       "python:3.12-alpine",
		WorkDir:     WorkDir,
		Cmd:         IdleCommand,
		Env:         []string{"PYTHONUNBUFFERED=1"},
		Labels:      map[string]string{ManagedLabel: "true"},
		MemoryBytes: 128 * 1024 * 1024,
		CPUPeriod:   CPUPeriod,
		CPUQuota:    50000,
		PidsLimit:   64,
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)

	req := engine.find(http.MethodPost, "/containers/create")
	require.NotNil(t, req)
	assert.Equal(t, "runbox-1", req.URL.Query().Get("name"))

	created := engine.createRequest()
	require.NotNil(t, created.Config)
	require.NotNil(t, created.HostConfig)
	assert.Equal(t, "python:3.12-alpine", created.Image)
	assert.Equal(t, WorkDir, created.WorkingDir)
	assert.True(t, created.NetworkDisabled)
	assert.Equal(t, "true", created.Labels[ManagedLabel])

	host := created.HostConfig
	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.Equal(t, []string{"ALL"}, []string(host.CapDrop))
	assert.Equal(t, []string{"no-new-privileges:true"}, host.SecurityOpt)
	assert.Equal(t, int64(128*1024*1024), host.Memory)
	assert.Equal(t, host.Memory, host.MemorySwap)
	assert.Equal(t, int64(CPUPeriod), host.CPUPeriod)
	assert.Equal(t, int64(50000), host.CPUQuota)
	require.NotNil(t, host.PidsLimit)
	assert.Equal(t, int64(64), *host.PidsLimit)
}

func TestDockerCreateImageNotFound(t *testing.T) {
	d, _ := newFakeEngine(t, &fakeEngine{createStatus: http.StatusNotFound})

	_, err := d.Create(context.Background(), Spec{Name: "runbox-1", Image: "python:0-alpine", Cmd: IdleCommand})
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.Contains(t, err.Error(), "python:0-alpine")
}

func TestDockerExec(t *testing.T) {
	engine := &fakeEngine{
		execStdout:   "hello\n",
		execStderr:   "warning\n",
		runningPolls: 2,
		exitCode:     3,
	}
	d, _ := newFakeEngine(t, engine)

	out, err := d.Exec(context.Background(), "c-1", []string{"python", "main.py"}, WorkDir)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out.Stdout))
	assert.Equal(t, "warning\n", string(out.Stderr))
	assert.Equal(t, 3, out.ExitCode)

	req := engine.find(http.MethodPost, "/containers/c-1/exec")
	require.NotNil(t, req)
	assert.NotNil(t, engine.find(http.MethodPost, "/exec/exec-1/start"))
	assert.NotNil(t, engine.find(http.MethodGet, "/exec/exec-1/json"))
}

func TestDockerExecDeadlineKeepsPartialOutput(t *testing.T) {
	engine := &fakeEngine{execStdout: "partial", holdAttach: true}
	d, _ := newFakeEngine(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := d.Exec(ctx, "c-1", []string{"sleep", "60"}, WorkDir)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "partial", string(out.Stdout))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Nil(t, engine.find(http.MethodGet, "/exec/exec-1/json"))
}

func TestDockerLifecycleRequests(t *testing.T) {
	engine := &fakeEngine{}
	d, _ := newFakeEngine(t, engine)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx, "c-1"))
	assert.NotNil(t, engine.find(http.MethodPost, "/containers/c-1/start"))

	archive, err := PackFiles(map[string][]byte{"main.py": []byte("print(1)")})
	require.NoError(t, err)
	require.NoError(t, d.CopyTo(ctx, "c-1", WorkDir, bytes.NewReader(archive)))
	copyReq := engine.find(http.MethodPut, "/containers/c-1/archive")
	require.NotNil(t, copyReq)
	assert.Equal(t, WorkDir, copyReq.URL.Query().Get("path"))
	_, files := readArchive(t, engine.copied())
	assert.Equal(t, []byte("print(1)"), files["main.py"])

	require.NoError(t, d.Stop(ctx, "c-1", 2*time.Second))
	stopReq := engine.find(http.MethodPost, "/containers/c-1/stop")
	require.NotNil(t, stopReq)
	assert.Equal(t, "2", stopReq.URL.Query().Get("t"))

	require.NoError(t, d.Remove(ctx, "c-1", true))
	rmReq := engine.find(http.MethodDelete, "/containers/c-1")
	require.NotNil(t, rmReq)
	assert.Equal(t, "1", rmReq.URL.Query().Get("force"))
	assert.Equal(t, "1", rmReq.URL.Query().Get("v"))
}

func TestDockerListManaged(t *testing.T) {
	engine := &fakeEngine{
		containers: `[
			{"Id":"c-1","Names":["/runbox-a"],"Created":1700000000},
			{"Id":"c-2","Names":[],"Created":1700000100}
		]`,
	}
	d, _ := newFakeEngine(t, engine)

	envs, err := d.ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, Environment{ID: "c-1", Name: "runbox-a", Created: time.Unix(1700000000, 0)}, envs[0])
	assert.Equal(t, Environment{ID: "c-2", Created: time.Unix(1700000100, 0)}, envs[1])

	req := engine.find(http.MethodGet, "/containers/json")
	require.NotNil(t, req)
	assert.Equal(t, "1", req.URL.Query().Get("all"))
	assert.Contains(t, req.URL.Query().Get("filters"), ManagedLabel+"=true")
}

func TestConnect(t *testing.T) {
	t.Run("Docker", func(t *testing.T) {
		_, host := newFakeEngine(t, &fakeEngine{})
		cfg := &config.Config{Sandbox: config.SandboxConfig{Backend: config.BackendDocker, DockerHost: host}}

		substrate, err := Connect(context.Background(), zaptest.NewLogger(t), cfg)
		require.NoError(t, err)
		require.IsType(t, &DockerSubstrate{}, substrate)
		assert.NoError(t, substrate.(*DockerSubstrate).Close())
	})

	t.Run("PingFailure", func(t *testing.T) {
		t.Setenv("DOCKER_TLS_VERIFY", "")
		t.Setenv("DOCKER_CERT_PATH", "")

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := listener.Addr().String()
		require.NoError(t, listener.Close())

		cfg := &config.Config{Sandbox: config.SandboxConfig{Backend: config.BackendDocker, DockerHost: "tcp://" + addr}}
		substrate, err := Connect(context.Background(), zaptest.NewLogger(t), cfg)
		assert.ErrorIs(t, err, ErrSubstrateUnavailable)
		assert.Nil(t, substrate)
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := &config.Config{Sandbox: config.SandboxConfig{Backend: "firecracker"}}
		substrate, err := Connect(context.Background(), zaptest.NewLogger(t), cfg)
		assert.ErrorIs(t, err, ErrSubstrateUnavailable)
		assert.Contains(t, err.Error(), "unsupported backend: firecracker")
		assert.Nil(t, substrate)
	})
}

func TestNewSubstratePodman(t *testing.T) {
	cfg := &config.Config{Sandbox: config.SandboxConfig{Backend: config.BackendPodman, CLIBinary: "podman"}}

	substrate, err := NewSubstrate(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	podman, ok := substrate.(*PodmanSubstrate)
	require.True(t, ok)
	assert.Equal(t, "podman", podman.binary)
}
