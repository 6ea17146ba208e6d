package language

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"
)

// FilePlaceholder is substituted with the profile's entry file name.
const FilePlaceholder = "{file}"

var safeFileName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Profile is the immutable execution profile of one language.
type Profile struct {
	ID             string
	Image          string
	EntryFile      string
	CompileCommand string
	RunCommand     string
	Timeout        time.Duration
	MemoryBytes    int64
	CPUQuota       float64
	// Env holds KEY=VALUE pairs exported into the sandbox.
	Env []string
}

// Compiled reports whether the language has a build step before running.
func (p Profile) Compiled() bool {
	return p.CompileCommand != ""
}

// CompileArgs renders the compile command for the entry file.
func (p Profile) CompileArgs() ([]string, error) {
	if !p.Compiled() {
		return nil, fmt.Errorf("language %s has no compile step", p.ID)
	}
	return Render(p.CompileCommand, p.EntryFile)
}

// RunArgs renders the run command for the entry file.
func (p Profile) RunArgs() ([]string, error) {
	return Render(p.RunCommand, p.EntryFile)
}

// ValidFileName reports whether name is a plain file name that is safe to
// place in a sandbox working directory and to mention in a command line.
func ValidFileName(name string) bool {
	return safeFileName.MatchString(name) && !strings.Contains(name, "..")
}

// Render splits a command template into an argument vector and replaces the
// file placeholder in every argument. No shell is involved, so the file name
// can never be interpreted as shell syntax.
func Render(template, file string) ([]string, error) {
	if !ValidFileName(file) {
		return nil, fmt.Errorf("invalid file name %q", file)
	}

	args, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command template %q: %w", template, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command template")
	}

	for i, arg := range args {
		args[i] = strings.ReplaceAll(arg, FilePlaceholder, file)
	}
	return args, nil
}

func (p Profile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("language id is required")
	}
	if p.ID != strings.ToLower(strings.TrimSpace(p.ID)) {
		return fmt.Errorf("language id %q must be lower case without spaces", p.ID)
	}
	if p.Image == "" {
		return fmt.Errorf("language %s: image is required", p.ID)
	}
	if !ValidFileName(p.EntryFile) {
		return fmt.Errorf("language %s: invalid entry file %q", p.ID, p.EntryFile)
	}
	if _, err := p.RunArgs(); err != nil {
		return fmt.Errorf("language %s: run command: %w", p.ID, err)
	}
	if p.Compiled() {
		if _, err := p.CompileArgs(); err != nil {
			return fmt.Errorf("language %s: compile command: %w", p.ID, err)
		}
		if !strings.Contains(p.CompileCommand, FilePlaceholder) {
			return fmt.Errorf("language %s: compile command must reference %s", p.ID, FilePlaceholder)
		}
	} else if !strings.Contains(p.RunCommand, FilePlaceholder) {
		// Interpreted languages run the entry file directly.
		return fmt.Errorf("language %s: run command must reference %s", p.ID, FilePlaceholder)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("language %s: timeout must not be negative", p.ID)
	}
	if p.MemoryBytes <= 0 {
		return fmt.Errorf("language %s: memory limit must be positive", p.ID)
	}
	if p.CPUQuota <= 0 {
		return fmt.Errorf("language %s: cpu quota must be positive", p.ID)
	}
	for _, kv := range p.Env {
		if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
			return fmt.Errorf("language %s: invalid environment entry %q", p.ID, kv)
		}
	}
	return nil
}
