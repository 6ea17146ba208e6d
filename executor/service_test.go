package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/sandbox/sandboxtest"
)

func testRegistry(t *testing.T, timeout time.Duration) *language.Registry {
	t.Helper()

	registry, err := language.NewRegistry(
		language.Profile{
			ID:          "python",
			Image:       "python:3.11-slim",
			EntryFile:   "main.py",
			RunCommand:  "python {file}",
			Timeout:     timeout,
			MemoryBytes: 128 * language.BytesPerMB,
			CPUQuota:    0.5,
		},
		language.Profile{
			ID:             "cpp",
			Image:          "gcc:latest",
			EntryFile:      "main.cpp",
			CompileCommand: "g++ -o main {file}",
			RunCommand:     "./main",
			Timeout:        timeout,
			MemoryBytes:    256 * language.BytesPerMB,
			CPUQuota:       1,
		},
	)
	require.NoError(t, err)
	return registry
}

func newTestService(t *testing.T, substrate sandbox.Substrate, opts ...Option) *Service {
	t.Helper()
	return New(zaptest.NewLogger(t), testRegistry(t, 5*time.Second), substrate, opts...)
}

func strPtr(s string) *string {
	return &s
}

// pythonEcho behaves like an interpreter that prints its source file.
func pythonEcho(_ context.Context, argv []string, files map[string][]byte) (sandbox.ExecOutput, error) {
	if argv[0] == "python" {
		return sandboxtest.Output(string(files[argv[1]]), "", 0), nil
	}
	return sandboxtest.Output("", "unexpected command", 127), nil
}

func assertNoLeak(t *testing.T, fake *sandboxtest.Substrate) {
	t.Helper()
	assert.Equal(t, fake.Creates(), len(fake.Removed()), "every created sandbox must be removed")
	assert.Zero(t, fake.Live())
}

func TestExecuteSuccess(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(_ context.Context, argv []string, _ map[string][]byte) (sandbox.ExecOutput, error) {
		assert.Equal(t, []string{"python", "main.py"}, argv)
		return sandboxtest.Output("hello\n", "", 0), nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print('hello')", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Nil(t, res.Error)
	assert.GreaterOrEqual(t, res.ExecutionTime, 0.0)
	assert.Equal(t, 1, fake.Creates())
	assertNoLeak(t, fake)
}

func TestExecuteNonZeroExitIsNotAnError(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(context.Context, []string, map[string][]byte) (sandbox.ExecOutput, error) {
		return sandboxtest.Output("", "Traceback: boom\n", 3), nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "raise SystemExit(3)", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "Traceback: boom\n", res.Stderr)
	assert.Nil(t, res.Error)
	assertNoLeak(t, fake)
}

func TestExecuteInjectsEntryFile(t *testing.T) {
	fake := sandboxtest.New()
	var injected map[string][]byte
	fake.ExecFn = func(_ context.Context, _ []string, files map[string][]byte) (sandbox.ExecOutput, error) {
		injected = files
		return sandbox.ExecOutput{}, nil
	}
	svc := newTestService(t, fake)

	_, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, map[string][]byte{"main.py": []byte("print(1)")}, injected)
}

func TestExecuteAppliesProfileLimits(t *testing.T) {
	fake := sandboxtest.New()
	svc := newTestService(t, fake)

	_, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	specs := fake.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "python:3.11-slim", specs[0].Image)
	assert.Equal(t, int64(128*language.BytesPerMB), specs[0].MemoryBytes)
	assert.Equal(t, int64(50000), specs[0].CPUQuota)
	assert.Equal(t, "true", specs[0].Labels[sandbox.ManagedLabel])
	assert.True(t, strings.HasPrefix(specs[0].Name, sandbox.NamePrefix))
}

func TestExecuteWithStdin(t *testing.T) {
	fake := sandboxtest.New()
	var runArgv []string
	var injected map[string][]byte
	fake.ExecFn = func(_ context.Context, argv []string, files map[string][]byte) (sandbox.ExecOutput, error) {
		runArgv = argv
		injected = files
		return sandboxtest.Output("You entered: test input\n", "", 0), nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{
		Code:     "print('You entered: ' + input())",
		Language: "python",
		Stdin:    strPtr("test input"),
	})
	require.NoError(t, err)

	assert.Equal(t, "You entered: test input\n", res.Stdout)
	assert.Equal(t, []byte("test input"), injected[StdinFileName])
	assert.Equal(t, []string{"sh", "-c", `exec "$@" < input.txt`, "sh", "python", "main.py"}, runArgv)
}

func TestExecuteEmptyStdinIsStillRedirected(t *testing.T) {
	fake := sandboxtest.New()
	var injected map[string][]byte
	fake.ExecFn = func(_ context.Context, _ []string, files map[string][]byte) (sandbox.ExecOutput, error) {
		injected = files
		return sandbox.ExecOutput{}, nil
	}
	svc := newTestService(t, fake)

	_, err := svc.Execute(context.Background(), Request{Code: "x", Language: "python", Stdin: strPtr("")})
	require.NoError(t, err)

	data, ok := injected[StdinFileName]
	assert.True(t, ok)
	assert.Empty(t, data)
}

func TestExecuteCompileFailure(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(_ context.Context, argv []string, _ map[string][]byte) (sandbox.ExecOutput, error) {
		if argv[0] == "g++" {
			return sandboxtest.Output("", "main.cpp:1:1: error: expected unqualified-id\n", 1), nil
		}
		t.Errorf("unexpected command after failed compile: %v", argv)
		return sandbox.ExecOutput{}, nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "int main( {", Language: "cpp"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, MsgCompilationFailed, *res.Error)
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, res.Stdout)
	assert.Contains(t, res.Stderr, "expected unqualified-id")
	assert.Len(t, fake.Execs(), 1)
	assertNoLeak(t, fake)
}

func TestExecuteCompileFault(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(_ context.Context, argv []string, _ map[string][]byte) (sandbox.ExecOutput, error) {
		if argv[0] == "g++" {
			return sandbox.ExecOutput{}, errors.New("exec create failed")
		}
		t.Errorf("unexpected command after compile fault: %v", argv)
		return sandbox.ExecOutput{}, nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "int main() {}", Language: "cpp"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.True(t, strings.HasPrefix(*res.Error, "Execution failed: "))
	assert.Contains(t, *res.Error, "failed to exec g++")
	assert.Contains(t, res.Stderr, "exec create failed")
	assert.Empty(t, res.Stdout)
	assert.Equal(t, ExitCodeFault, res.ExitCode)
	assert.Equal(t, 1, fake.Creates())
	assert.Len(t, fake.Execs(), 1)
	assertNoLeak(t, fake)
}

func TestExecuteCompiledSuccess(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(_ context.Context, argv []string, _ map[string][]byte) (sandbox.ExecOutput, error) {
		if argv[0] == "g++" {
			return sandboxtest.Output("", "warning: unused variable\n", 0), nil
		}
		return sandboxtest.Output("42\n", "", 0), nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "int main(){}", Language: "cpp"})
	require.NoError(t, err)

	assert.Nil(t, res.Error)
	assert.Equal(t, "42\n", res.Stdout)
	assert.Empty(t, res.Stderr, "compile diagnostics are not reported on success")
	assert.Equal(t, [][]string{{"g++", "-o", "main", "main.cpp"}, {"./main"}}, fake.Execs())
	assertNoLeak(t, fake)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	fake := sandboxtest.New()
	svc := newTestService(t, fake)

	_, err := svc.Execute(context.Background(), Request{Code: "x", Language: "cobol"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.Contains(t, err.Error(), "python, cpp")
	assert.Zero(t, fake.Creates())
}

func TestExecuteUnsupportedLanguageWinsOverUnavailable(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Execute(context.Background(), Request{Code: "x", Language: "cobol"})
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestExecuteSubstrateUnavailable(t *testing.T) {
	svc := newTestService(t, nil)

	assert.False(t, svc.Available())
	assert.Equal(t, []string{"python", "cpp"}, svc.Languages())

	_, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	assert.ErrorIs(t, err, ErrSubstrateUnavailable)
}

func TestExecuteImageNotFound(t *testing.T) {
	fake := sandboxtest.New()
	fake.CreateErr = fmt.Errorf("%w: python:3.11-slim", sandbox.ErrImageNotFound)
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, MsgImageNotFound, *res.Error)
	assert.Equal(t, "Docker image 'python:3.11-slim' not found", res.Stderr)
	assert.Equal(t, ExitCodeFault, res.ExitCode)
	assertNoLeak(t, fake)
}

func TestExecuteProvisionFailure(t *testing.T) {
	fake := sandboxtest.New()
	fake.StartErr = errors.New("cgroup setup failed")
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.True(t, strings.HasPrefix(*res.Error, "Provisioning failed: "))
	assert.Contains(t, *res.Error, "cgroup setup failed")
	assert.Equal(t, ExitCodeFault, res.ExitCode)
	assertNoLeak(t, fake)
}

func TestExecuteTransferFailure(t *testing.T) {
	fake := sandboxtest.New()
	fake.CopyErr = errors.New("disk full")
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.True(t, strings.HasPrefix(*res.Error, "Transfer failed: "))
	assert.Equal(t, ExitCodeFault, res.ExitCode)
	assert.Empty(t, fake.Execs())
	assertNoLeak(t, fake)
}

func TestExecuteRunFault(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(context.Context, []string, map[string][]byte) (sandbox.ExecOutput, error) {
		return sandbox.ExecOutput{}, errors.New("connection reset")
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.True(t, strings.HasPrefix(*res.Error, "Execution failed: "))
	assert.Contains(t, res.Stderr, "connection reset")
	assert.Equal(t, ExitCodeFault, res.ExitCode)
	assertNoLeak(t, fake)
}

func TestExecuteRecoversPanic(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(context.Context, []string, map[string][]byte) (sandbox.ExecOutput, error) {
		panic("substrate exploded")
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, "Execution failed: substrate exploded", *res.Error)
	assertNoLeak(t, fake)
}

func TestExecuteCleanupFailureDoesNotChangeResult(t *testing.T) {
	fake := sandboxtest.New()
	fake.RemoveErr = errors.New("device busy")
	fake.ExecFn = func(context.Context, []string, map[string][]byte) (sandbox.ExecOutput, error) {
		return sandboxtest.Output("ok\n", "", 0), nil
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(context.Background(), Request{Code: "print('ok')", Language: "python"})
	require.NoError(t, err)

	assert.Nil(t, res.Error)
	assert.Equal(t, "ok\n", res.Stdout)
}

func TestExecuteTimeout(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = func(ctx context.Context, _ []string, _ map[string][]byte) (sandbox.ExecOutput, error) {
		<-ctx.Done()
		return sandboxtest.Output("partial\n", "", 0), ctx.Err()
	}
	svc := New(zaptest.NewLogger(t), testRegistry(t, 50*time.Millisecond), fake)

	res, err := svc.Execute(context.Background(), Request{Code: "while True: pass", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.Equal(t, MsgTimedOut, *res.Error)
	assert.Equal(t, ExitCodeTimeout, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.GreaterOrEqual(t, res.ExecutionTime, 0.05)
	assertNoLeak(t, fake)
}

func TestExecuteCallerCancellation(t *testing.T) {
	fake := sandboxtest.New()
	ctx, cancel := context.WithCancel(context.Background())
	fake.ExecFn = func(ctx context.Context, _ []string, _ map[string][]byte) (sandbox.ExecOutput, error) {
		cancel()
		<-ctx.Done()
		return sandbox.ExecOutput{}, ctx.Err()
	}
	svc := newTestService(t, fake)

	res, err := svc.Execute(ctx, Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	require.NotNil(t, res.Error)
	assert.True(t, strings.HasPrefix(*res.Error, "Execution failed: "))
	assertNoLeak(t, fake)
}

func TestExecuteConcurrentIsolation(t *testing.T) {
	fake := sandboxtest.New()
	fake.ExecFn = pythonEcho
	svc := newTestService(t, fake)

	const n = 20
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Execute(context.Background(), Request{
				Code:     fmt.Sprintf("print(%d)", i),
				Language: "python",
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("print(%d)", i), res.Stdout)
	}
	assert.Equal(t, n, fake.Creates())
	assertNoLeak(t, fake)
}

func TestExecuteMaxConcurrent(t *testing.T) {
	fake := sandboxtest.New()
	var inFlight, peak atomic.Int32
	fake.ExecFn = func(context.Context, []string, map[string][]byte) (sandbox.ExecOutput, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return sandbox.ExecOutput{}, nil
	}
	svc := newTestService(t, fake, WithMaxConcurrent(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assertNoLeak(t, fake)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	fake := sandboxtest.New()
	fake.ExecFn = pythonEcho
	svc := newTestService(t, fake, WithMetrics(NewMetrics(reg)))

	_, err := svc.Execute(context.Background(), Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)
	_, err = svc.Execute(context.Background(), Request{Code: "x", Language: "cobol"})
	require.Error(t, err)

	assert.Equal(t, 1.0, counterValue(t, reg, "runbox_executions_total", "python", OutcomeSuccess))
	assert.Equal(t, 1.0, counterValue(t, reg, "runbox_executions_total", "unknown", OutcomeUnsupported))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "runbox_sandboxes_active"))
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name     string
		res      Result
		expected string
	}{
		{"success", Result{}, OutcomeSuccess},
		{"nonzero", Result{ExitCode: 2}, OutcomeNonZeroExit},
		{"compile", Result{ExitCode: 1, Error: strPtr(MsgCompilationFailed)}, OutcomeCompileError},
		{"timeout", Result{ExitCode: ExitCodeTimeout, Error: strPtr(MsgTimedOut)}, OutcomeTimeout},
		{"fault", Result{ExitCode: 1, Error: strPtr("Transfer failed: x")}, OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, outcomeOf(tt.res))
		})
	}
}

func TestRoundSeconds(t *testing.T) {
	assert.InDelta(t, 1.235, roundSeconds(1234567*time.Microsecond), 1e-9)
	assert.InDelta(t, 0.0, roundSeconds(0), 1e-9)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			values := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				values = append(values, lp.GetValue())
			}
			if strings.Join(values, ",") == strings.Join(labels, ",") {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}
