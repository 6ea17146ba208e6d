// Package sandboxtest provides an in-memory Substrate for tests.
package sandboxtest

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/isdmx/runbox/sandbox"
)

// ExecFunc handles one Exec call. files holds the payload injected into the
// environment so far.
type ExecFunc func(ctx context.Context, argv []string, files map[string][]byte) (sandbox.ExecOutput, error)

// Substrate is a thread-safe fake substrate that records every call. Set the
// exported fields before use.
type Substrate struct {
	PingErr   error
	CreateErr error
	StartErr  error
	CopyErr   error
	RemoveErr error
	ListErr   error
	// Exec handles exec calls. When nil every command succeeds silently.
	ExecFn ExecFunc

	mu       sync.Mutex
	seq      int
	envs     map[string]*env
	specs    []sandbox.Spec
	execs    [][]string
	removed  []string
	stopped  []string
	creates  int
	external []sandbox.Environment
}

type env struct {
	name    string
	created time.Time
	started bool
	files   map[string][]byte
}

// New returns an empty fake substrate
func New() *Substrate {
	return &Substrate{envs: make(map[string]*env)}
}

// Ping implements sandbox.Substrate
func (s *Substrate) Ping(_ context.Context) error {
	return s.PingErr
}

// Create implements sandbox.Substrate
func (s *Substrate) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.specs = append(s.specs, spec)
	if s.CreateErr != nil {
		return "", s.CreateErr
	}

	s.seq++
	s.creates++
	id := fmt.Sprintf("fake-%d", s.seq)
	s.envs[id] = &env{name: spec.Name, created: time.Now(), files: make(map[string][]byte)}
	return id, nil
}

// Start implements sandbox.Substrate
func (s *Substrate) Start(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StartErr != nil {
		return s.StartErr
	}
	e, ok := s.envs[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	e.started = true
	return nil
}

// CopyTo implements sandbox.Substrate. The archive is unpacked into the
// environment's file map.
func (s *Substrate) CopyTo(_ context.Context, id, _ string, archive io.Reader) error {
	if s.CopyErr != nil {
		return s.CopyErr
	}

	files := make(map[string][]byte)
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		files[hdr.Name] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.envs[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	for name, data := range files {
		e.files[name] = data
	}
	return nil
}

// Exec implements sandbox.Substrate
func (s *Substrate) Exec(ctx context.Context, id string, argv []string, _ string) (sandbox.ExecOutput, error) {
	s.mu.Lock()
	e, ok := s.envs[id]
	if !ok || !e.started {
		s.mu.Unlock()
		return sandbox.ExecOutput{}, fmt.Errorf("container %s is not running", id)
	}
	s.execs = append(s.execs, append([]string(nil), argv...))
	files := make(map[string][]byte, len(e.files))
	for name, data := range e.files {
		files[name] = data
	}
	fn := s.ExecFn
	s.mu.Unlock()

	if fn == nil {
		return sandbox.ExecOutput{}, nil
	}
	return fn(ctx, argv, files)
}

// Stop implements sandbox.Substrate
func (s *Substrate) Stop(_ context.Context, id string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
	return nil
}

// Remove implements sandbox.Substrate
func (s *Substrate) Remove(_ context.Context, id string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	delete(s.envs, id)
	for i, ext := range s.external {
		if ext.ID == id {
			s.external = append(s.external[:i], s.external[i+1:]...)
			break
		}
	}
	s.removed = append(s.removed, id)
	return nil
}

// ListManaged implements sandbox.Substrate. It reports environments created
// through the fake plus any added with AddManaged.
func (s *Substrate) ListManaged(_ context.Context) ([]sandbox.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := append([]sandbox.Environment(nil), s.external...)
	for id, e := range s.envs {
		out = append(out, sandbox.Environment{ID: id, Name: e.name, Created: e.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddManaged registers a managed environment not created through the fake,
// such as one left behind by a crashed process.
func (s *Substrate) AddManaged(e sandbox.Environment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external = append(s.external, e)
}

// Creates returns the number of successful Create calls
func (s *Substrate) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Removed returns the ids passed to successful Remove calls
func (s *Substrate) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

// Stopped returns the ids passed to Stop
func (s *Substrate) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

// Live returns the number of environments not yet removed
func (s *Substrate) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

// Specs returns every spec passed to Create
func (s *Substrate) Specs() []sandbox.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sandbox.Spec(nil), s.specs...)
}

// Execs returns the argv of every Exec call
func (s *Substrate) Execs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.execs...)
}

// Files returns the payload injected into environment id
func (s *Substrate) Files(id string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.envs[id]
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(e.files))
	for name, data := range e.files {
		out[name] = data
	}
	return out
}

// Output is a convenience for building ExecFunc results
func Output(stdout, stderr string, exitCode int) sandbox.ExecOutput {
	return sandbox.ExecOutput{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: exitCode}
}

var _ sandbox.Substrate = (*Substrate)(nil)
