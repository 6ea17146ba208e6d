package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

const pingTimeout = 5 * time.Second

// NewSubstrate creates the substrate selected by the configuration
func NewSubstrate(logger *zap.Logger, cfg *config.Config) (Substrate, error) {
	switch cfg.Sandbox.Backend {
	case config.BackendDocker:
		substrate, err := NewDockerSubstrate(cfg.Sandbox.DockerHost)
		if err != nil {
			return nil, err
		}
		return substrate, nil
	case config.BackendPodman:
		return NewPodmanSubstrate(logger, cfg.Sandbox.CLIBinary), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// Connect creates the configured substrate and verifies it is reachable. The
// returned error wraps ErrSubstrateUnavailable when it is not.
func Connect(ctx context.Context, logger *zap.Logger, cfg *config.Config) (Substrate, error) {
	substrate, err := NewSubstrate(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := substrate.Ping(ctx); err != nil {
		if closer, ok := substrate.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}

	logger.Info("isolation substrate connected", zap.String("backend", cfg.Sandbox.Backend))
	return substrate, nil
}
