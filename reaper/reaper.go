// Package reaper removes sandboxes that outlived the request that created them.
//
// A sandbox normally dies with its request. One can survive a crash of the
// process that owned it, so the reaper periodically lists every environment
// carrying the managed label and force-removes those older than a minimum
// age. The minimum age must exceed the longest execution a profile allows.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/sandbox"
)

// Reaper periodically sweeps stale sandboxes
type Reaper struct {
	logger    *zap.Logger
	substrate sandbox.Substrate
	interval  time.Duration
	minAge    time.Duration
	now       func() time.Time
	reaped    prometheus.Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option defines a functional option for Reaper
type Option func(*Reaper)

// WithRegisterer records removed sandboxes in runbox_reaped_total on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Reaper) {
		r.reaped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbox_reaped_total",
			Help: "Stale sandboxes removed by the reaper.",
		})
		reg.MustRegister(r.reaped)
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

// New creates a Reaper
func New(logger *zap.Logger, substrate sandbox.Substrate, interval, minAge time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		logger:    logger,
		substrate: substrate,
		interval:  interval,
		minAge:    minAge,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Sweep removes every managed sandbox older than the minimum age and returns
// how many were removed. Individual removal failures are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	envs, err := r.substrate.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.minAge)
	var removed int
	var errs []error
	for _, env := range envs {
		if !env.Created.Before(cutoff) {
			continue
		}
		if err := r.substrate.Remove(ctx, env.ID, true); err != nil {
			r.logger.Warn("failed to reap sandbox", zap.String("sandbox_id", env.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		removed++
		if r.reaped != nil {
			r.reaped.Inc()
		}
		r.logger.Info("reaped stale sandbox",
			zap.String("sandbox_id", env.ID),
			zap.String("name", env.Name),
			zap.Duration("age", r.now().Sub(env.Created)))
	}

	return removed, errors.Join(errs...)
}

// Start sweeps once immediately, then every interval until Stop
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	r.logger.Info("starting sandbox reaper",
		zap.Duration("interval", r.interval),
		zap.Duration("min_age", r.minAge))

	go r.loop(ctx, r.done)
}

// Stop halts the background loop and waits for an in-flight sweep
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("sandbox sweep incomplete", zap.Int("removed", n), zap.Error(err))
		return
	}
	r.logger.Debug("sandbox sweep finished", zap.Int("removed", n))
}
