package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/language"
)

const (
	defaultStopGrace      = time.Second
	defaultPidsLimit      = 128
	defaultDestroyTimeout = 30 * time.Second
)

// Provisioner creates and destroys sandboxes on a substrate.
type Provisioner struct {
	logger         *zap.Logger
	substrate      Substrate
	stopGrace      time.Duration
	pidsLimit      int64
	destroyTimeout time.Duration
	newName        func() string
	now            func() time.Time
}

// ProvisionerOption defines a functional option for Provisioner
type ProvisionerOption func(*Provisioner)

// WithStopGrace sets how long a sandbox may take to stop before it is killed
func WithStopGrace(d time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		p.stopGrace = d
	}
}

// WithPidsLimit caps the number of processes inside a sandbox
func WithPidsLimit(n int64) ProvisionerOption {
	return func(p *Provisioner) {
		p.pidsLimit = n
	}
}

// WithNameGenerator overrides how sandbox names are generated
func WithNameGenerator(fn func() string) ProvisionerOption {
	return func(p *Provisioner) {
		p.newName = fn
	}
}

// NewProvisioner creates a Provisioner backed by substrate
func NewProvisioner(logger *zap.Logger, substrate Substrate, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		logger:         logger,
		substrate:      substrate,
		stopGrace:      defaultStopGrace,
		pidsLimit:      defaultPidsLimit,
		destroyTimeout: defaultDestroyTimeout,
		newName:        func() string { return NamePrefix + uuid.NewString() },
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Create provisions and starts a fresh sandbox for profile. The returned error
// wraps ErrImageNotFound when the image is missing and ErrProvisionFailure for
// any other substrate failure. Nothing is left behind when Create fails.
func (p *Provisioner) Create(ctx context.Context, profile language.Profile) (*Sandbox, error) {
	createdAt := p.now()
	spec := Spec{
		Name:    p.newName(),
		Image:   profile.Image,
		WorkDir: WorkDir,
		Cmd:     IdleCommand,
		Env:     profile.Env,
		Labels: map[string]string{
			ManagedLabel: "true",
			CreatedLabel: strconv.FormatInt(createdAt.Unix(), 10),
		},
		MemoryBytes: profile.MemoryBytes,
		CPUPeriod:   CPUPeriod,
		CPUQuota:    int64(math.Round(profile.CPUQuota * CPUPeriod)),
		PidsLimit:   p.pidsLimit,
	}

	id, err := p.substrate.Create(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create: %w", ErrProvisionFailure, err)
	}

	sb := &Sandbox{
		ID:              id,
		Name:            spec.Name,
		Image:           profile.Image,
		MemoryBytes:     profile.MemoryBytes,
		CPUQuota:        profile.CPUQuota,
		NetworkDisabled: true,
		WorkDir:         WorkDir,
		CreatedAt:       createdAt,
	}

	if err := p.substrate.Start(ctx, id); err != nil {
		rmCtx, cancel := p.cleanupContext(ctx)
		defer cancel()
		if rmErr := p.substrate.Remove(rmCtx, id, true); rmErr != nil {
			p.logger.Error("failed to remove sandbox after start failure",
				zap.String("sandbox_id", id), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("%w: start: %w", ErrProvisionFailure, err)
	}

	p.logger.Debug("sandbox created",
		zap.String("sandbox_id", id),
		zap.String("name", sb.Name),
		zap.String("image", sb.Image))

	return sb, nil
}

// Destroy stops the sandbox with a short grace period and force-removes it.
// Failures are logged and never returned. Destroy keeps running when ctx has
// already been cancelled.
func (p *Provisioner) Destroy(ctx context.Context, sb *Sandbox) {
	if sb == nil {
		return
	}

	ctx, cancel := p.cleanupContext(ctx)
	defer cancel()

	if err := p.substrate.Stop(ctx, sb.ID, p.stopGrace); err != nil {
		p.logger.Debug("failed to stop sandbox", zap.String("sandbox_id", sb.ID), zap.Error(err))
	}
	if err := p.substrate.Remove(ctx, sb.ID, true); err != nil {
		p.logger.Error("failed to remove sandbox", zap.String("sandbox_id", sb.ID), zap.Error(err))
		return
	}

	p.logger.Debug("sandbox destroyed", zap.String("sandbox_id", sb.ID))
}

func (p *Provisioner) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.destroyTimeout)
}
