package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/sandbox"
)

// StdinFileName is the payload file a supplied stdin is written to.
const StdinFileName = "input.txt"

// Request is one execution request
type Request struct {
	Code     string
	Language string
	// Stdin is redirected into the program when non-nil.
	Stdin *string
}

// Result is the outcome of one execution
type Result struct {
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	Error         *string `json:"error"`
}

// Service orchestrates sandboxed executions. It is safe for concurrent use;
// every call gets its own sandbox.
type Service struct {
	logger      *zap.Logger
	registry    *language.Registry
	provisioner *sandbox.Provisioner
	transfer    *sandbox.Transfer
	runner      *sandbox.Runner
	metrics     *Metrics
	sem         *semaphore.Weighted
	available   bool

	provisionerOpts []sandbox.ProvisionerOption
}

// Option defines a functional option for Service
type Option func(*Service)

// WithMetrics records executions on m
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithMaxConcurrent bounds the number of executions in flight. Zero means no bound.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		} else {
			s.sem = nil
		}
	}
}

// WithProvisionerOptions passes options to the sandbox provisioner
func WithProvisionerOptions(opts ...sandbox.ProvisionerOption) Option {
	return func(s *Service) {
		s.provisionerOpts = append(s.provisionerOpts, opts...)
	}
}

// New creates a Service. A nil substrate means the substrate could not be
// reached at startup: languages can still be listed, but Execute fails with
// ErrSubstrateUnavailable.
func New(logger *zap.Logger, registry *language.Registry, substrate sandbox.Substrate, opts ...Option) *Service {
	s := &Service{
		logger:    logger,
		registry:  registry,
		available: substrate != nil,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.available {
		s.provisioner = sandbox.NewProvisioner(logger, substrate, s.provisionerOpts...)
		s.transfer = sandbox.NewTransfer(substrate)
		s.runner = sandbox.NewRunner(substrate)
	}

	return s
}

// Available reports whether executions can be served
func (s *Service) Available() bool {
	return s.available
}

// Languages returns the supported language ids in registration order
func (s *Service) Languages() []string {
	return s.registry.List()
}

// Execute runs req.Code in a fresh sandbox. The sandbox has been destroyed by
// the time Execute returns.
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	profile, err := s.registry.Get(req.Language)
	if err != nil {
		s.metrics.observe("unknown", OutcomeUnsupported, 0)
		return Result{}, err
	}
	if !s.available {
		return Result{}, ErrSubstrateUnavailable
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return faultResult("Execution failed", err), nil
		}
		defer s.sem.Release(1)
	}

	start := time.Now()
	res := s.execute(ctx, profile, req)
	outcome := outcomeOf(res)
	s.metrics.observe(profile.ID, outcome, time.Since(start))

	s.logger.Info("execution finished",
		zap.String("language", profile.ID),
		zap.String("outcome", outcome),
		zap.Int("exit_code", res.ExitCode),
		zap.Float64("execution_time", res.ExecutionTime),
		zap.Int("stdout_len", len(res.Stdout)),
		zap.Int("stderr_len", len(res.Stderr)))

	return res, nil
}

func (s *Service) execute(ctx context.Context, profile language.Profile, req Request) (res Result) {
	sb, err := s.provisioner.Create(ctx, profile)
	if err != nil {
		return provisionResult(profile, err)
	}
	s.metrics.sandboxUp()

	logger := s.logger.With(zap.String("sandbox_id", sb.ID), zap.String("language", profile.ID))

	defer func() {
		s.provisioner.Destroy(ctx, sb)
		s.metrics.sandboxDown()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = faultResult("Execution failed", fmt.Errorf("%v", r))
		}
	}()

	files := map[string][]byte{profile.EntryFile: []byte(req.Code)}
	if req.Stdin != nil {
		files[StdinFileName] = []byte(*req.Stdin)
	}
	if err := s.transfer.Inject(ctx, sb, files); err != nil {
		logger.Warn("payload transfer failed", zap.Error(err))
		return faultResult("Transfer failed", err)
	}

	if profile.Compiled() {
		argv, err := profile.CompileArgs()
		if err != nil {
			return faultResult("Execution failed", err)
		}

		cr, err := s.runStage(ctx, sb, profile, argv)
		if err != nil {
			return stageErrorResult(ctx, cr, err)
		}
		if cr.ExitCode != 0 {
			logger.Debug("compilation failed", zap.Int("exit_code", cr.ExitCode))
			msg := MsgCompilationFailed
			return Result{
				Stdout:        string(cr.Stdout),
				Stderr:        string(cr.Stderr),
				ExitCode:      cr.ExitCode,
				ExecutionTime: roundSeconds(cr.Elapsed),
				Error:         &msg,
			}
		}
	}

	argv, err := profile.RunArgs()
	if err != nil {
		return faultResult("Execution failed", err)
	}
	if req.Stdin != nil {
		argv = withStdinRedirect(argv)
	}

	cr, err := s.runStage(ctx, sb, profile, argv)
	if err != nil {
		return stageErrorResult(ctx, cr, err)
	}

	return Result{
		Stdout:        string(cr.Stdout),
		Stderr:        string(cr.Stderr),
		ExitCode:      cr.ExitCode,
		ExecutionTime: roundSeconds(cr.Elapsed),
	}
}

// runStage runs one command under the profile's deadline
func (s *Service) runStage(ctx context.Context, sb *sandbox.Sandbox, profile language.Profile, argv []string) (sandbox.CommandResult, error) {
	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}
	return s.runner.Run(ctx, sb, argv, sb.WorkDir)
}

// withStdinRedirect wraps argv so it reads the injected stdin file. The user
// command is passed as positional parameters, never spliced into the script.
func withStdinRedirect(argv []string) []string {
	wrapped := []string{"sh", "-c", `exec "$@" < ` + StdinFileName, "sh"}
	return append(wrapped, argv...)
}

func provisionResult(profile language.Profile, err error) Result {
	if errors.Is(err, sandbox.ErrImageNotFound) {
		msg := MsgImageNotFound
		return Result{
			Stderr:   fmt.Sprintf("Docker image '%s' not found", profile.Image),
			ExitCode: ExitCodeFault,
			Error:    &msg,
		}
	}
	return faultResult("Provisioning failed", err)
}

// stageErrorResult converts a compile or run failure that produced no exit
// code. A deadline hit by the stage itself is a timeout; anything else,
// including cancellation by the caller, is a fault.
func stageErrorResult(ctx context.Context, cr sandbox.CommandResult, err error) Result {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		msg := MsgTimedOut
		return Result{
			Stdout:        string(cr.Stdout),
			Stderr:        string(cr.Stderr),
			ExitCode:      ExitCodeTimeout,
			ExecutionTime: roundSeconds(cr.Elapsed),
			Error:         &msg,
		}
	}
	return faultResult("Execution failed", err)
}

func faultResult(prefix string, err error) Result {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	return Result{
		Stderr:   err.Error(),
		ExitCode: ExitCodeFault,
		Error:    &msg,
	}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
