package language

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/runbox/config"
)

// ErrUnsupportedLanguage is returned for language ids absent from the registry.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// BytesPerMB converts configured megabytes to bytes.
const BytesPerMB = 1024 * 1024

// Registry maps language ids to profiles in registration order.
type Registry struct {
	order    []string
	profiles map[string]Profile
}

// NewRegistry builds a registry from profiles, keeping their order.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{
		order:    make([]string, 0, len(profiles)),
		profiles: make(map[string]Profile, len(profiles)),
	}

	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, exists := r.profiles[p.ID]; exists {
			return nil, fmt.Errorf("duplicate language %s", p.ID)
		}
		p.Env = append([]string(nil), p.Env...)
		r.order = append(r.order, p.ID)
		r.profiles[p.ID] = p
	}

	return r, nil
}

// NewRegistryFromConfig builds the registry from the languages section.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	profiles := make([]Profile, 0, len(cfg.Languages))
	for _, l := range cfg.Languages {
		profiles = append(profiles, Profile{
			ID:             l.ID,
			Image:          l.Image,
			EntryFile:      l.EntryFile,
			CompileCommand: l.CompileCmd,
			RunCommand:     l.RunCmd,
			Timeout:        time.Duration(l.TimeoutSec) * time.Second,
			MemoryBytes:    int64(l.MemoryMB) * BytesPerMB,
			CPUQuota:       l.CPUQuota,
			Env:            l.Environment,
		})
	}
	return NewRegistry(profiles...)
}

// Get returns the profile for id.
func (r *Registry) Get(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedLanguage, id, strings.Join(r.order, ", "))
	}
	return p, nil
}

// List returns the supported language ids in registration order.
func (r *Registry) List() []string {
	return append([]string(nil), r.order...)
}

// Profiles returns all profiles in registration order.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id])
	}
	return out
}
