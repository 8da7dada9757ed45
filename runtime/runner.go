package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolmount/exec"
)

// DefaultGracePeriod is how long a timed-out process has between TERM and KILL.
const DefaultGracePeriod = 2 * time.Second

// DefaultReapTimeout bounds the wait for exit and end of output after KILL.
const DefaultReapTimeout = 10 * time.Second

const tracerName = "github.com/jonwraymond/toolmount/runtime"

// Config configures a Runner.
type Config struct {
	// Spawner starts processes.
	// If nil, Execute returns ErrSpawnerNotConfigured.
	Spawner Spawner

	// GracePeriod is the wait between TERM and KILL on timeout.
	// Default: DefaultGracePeriod
	GracePeriod time.Duration

	// ReapTimeout bounds the wait after KILL. When it passes, the process
	// is closed and the run still ends TimedOut.
	// Default: DefaultReapTimeout
	ReapTimeout time.Duration

	// MaxBytes is the number of bytes stored per stream.
	// Default and upper bound: exec.MaxBytesCap
	MaxBytes int

	// Logger receives one summary line per run.
	// Default: zap.NewNop()
	Logger *zap.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Tracer is used for exec spans.
	// Default: otel.Tracer for this package
	Tracer trace.Tracer
}

// Runner executes exec requests through a Spawner.
// A Runner is safe for concurrent use; each call owns its process.
type Runner struct {
	spawner  Spawner
	grace    time.Duration
	reap     time.Duration
	maxBytes int
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// New creates a Runner with the given configuration.
func New(cfg Config) *Runner {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	reap := cfg.ReapTimeout
	if reap <= 0 {
		reap = DefaultReapTimeout
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 || maxBytes > exec.MaxBytesCap {
		maxBytes = exec.MaxBytesCap
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Runner{
		spawner:  cfg.Spawner,
		grace:    grace,
		reap:     reap,
		maxBytes: maxBytes,
		logger:   logger.Named("runner"),
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}
}

// MaxBytes returns the per-stream capture limit.
func (r *Runner) MaxBytes() int {
	return r.maxBytes
}

// GracePeriod returns the wait between TERM and KILL.
func (r *Runner) GracePeriod() time.Duration {
	return r.grace
}

// Kind returns the spawner kind, or "" when no spawner is configured.
func (r *Runner) Kind() BackendKind {
	if r.spawner == nil {
		return ""
	}
	return r.spawner.Kind()
}

// Run executes in and renders the outcome with the runner's capture limit.
func (r *Runner) Run(ctx context.Context, in exec.Input) (exec.Result, error) {
	out, err := r.Execute(ctx, in)
	if err != nil {
		return exec.Result{}, err
	}
	return out.Render(r.maxBytes), nil
}

type waitResult struct {
	info ExitInfo
	err  error
}

// Execute validates in, runs it to a terminal state and returns the raw outcome.
//
// Validation failures, spawn failures and capture I/O errors are returned as
// errors. Every process that started yields exactly one exit status.
func (r *Runner) Execute(ctx context.Context, in exec.Input) (exec.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return exec.Outcome{}, err
	}
	if err := in.Validate(); err != nil {
		return exec.Outcome{}, err
	}
	if r.spawner == nil {
		return exec.Outcome{}, ErrSpawnerNotConfigured
	}

	kind := r.spawner.Kind()
	execID := uuid.NewString()
	logger := r.logger.With(zap.String("exec_id", execID), zap.String("backend", string(kind)))

	ctx, span := r.tracer.Start(ctx, "toolmount.exec", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("toolmount.exec.id", execID),
		attribute.String("toolmount.exec.backend", string(kind)),
		attribute.String("toolmount.exec.command", in.Cmd[0]),
		attribute.Int("toolmount.exec.timeout_ms", in.TimeoutMs),
	)
	fail := func(stage string, err error) (exec.Outcome, error) {
		r.metrics.observeFailure(kind, stage)
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		logger.Error("exec failed", zap.String("stage", stage), zap.Strings("cmd", in.Cmd), zap.Error(err))
		return exec.Outcome{}, err
	}

	start := time.Now()
	proc, err := r.spawner.Spawn(ctx, ProcessSpec{
		Argv: in.Cmd,
		Dir:  in.WorkingDir(),
		Env:  in.Env,
		User: in.Username(),
	})
	if err != nil {
		return fail("spawn", fmt.Errorf("%w: %w", ErrSpawnFailed, err))
	}
	closeProc := sync.OnceValue(proc.Close)
	defer func() {
		if err := closeProc(); err != nil {
			logger.Debug("close process", zap.Error(err))
		}
	}()
	span.AddEvent("toolmount.exec.spawned")

	var (
		stdout, stderr exec.StreamReadResult
		drains         errgroup.Group
	)
	drains.Go(func() error {
		res, err := exec.ReadLimited(proc.Stdout(), r.maxBytes, exec.DefaultChunkSize)
		stdout = res
		if err != nil {
			return fmt.Errorf("stdout: %w", err)
		}
		return nil
	})
	drains.Go(func() error {
		res, err := exec.ReadLimited(proc.Stderr(), r.maxBytes, exec.DefaultChunkSize)
		stderr = res
		if err != nil {
			return fmt.Errorf("stderr: %w", err)
		}
		return nil
	})

	waited := make(chan waitResult, 1)
	go func() {
		info, err := proc.Wait()
		waited <- waitResult{info: info, err: err}
	}()
	drained := make(chan error, 1)
	go func() {
		drained <- drains.Wait()
	}()
	c := &completion{waited: waited, drained: drained}

	timer := time.NewTimer(time.Duration(in.TimeoutMs) * time.Millisecond)
	defer timer.Stop()

	var (
		timedOut bool
		forced   bool
		canceled error
	)
	// The deadline covers the exit and both streams. A background child that
	// inherited the pipes keeps them open after the leader exits.
	if !c.await(timer.C, ctx.Done()) {
		if err := ctx.Err(); err != nil {
			canceled = err
			span.AddEvent("toolmount.exec.canceled")
		} else {
			timedOut = true
			span.AddEvent("toolmount.exec.timeout")
		}
		if !r.terminate(proc, c, logger) {
			forced = true
			span.AddEvent("toolmount.exec.forced_close")
			if err := closeProc(); err != nil {
				logger.Debug("close process", zap.Error(err))
			}
			if !c.awaitDrains(r.reap) {
				return fail("capture", fmt.Errorf("%w: output still open %s after close", ErrCaptureFailed, r.reap))
			}
		}
	}
	duration := time.Since(start)

	if canceled != nil {
		return fail("canceled", fmt.Errorf("exec canceled: %w", canceled))
	}
	// Reads on a force-closed process fail by construction; what was read is kept.
	if c.drainErr != nil && !forced {
		return fail("capture", fmt.Errorf("%w: %w", ErrCaptureFailed, c.drainErr))
	}
	if c.res.err != nil && !timedOut {
		return fail("wait", fmt.Errorf("%w: %w", ErrWaitFailed, c.res.err))
	}

	out := exec.Outcome{
		Output:   exec.OutputFromCapture(stdout, stderr),
		Exit:     exitStatus(c.res.info, timedOut),
		Duration: duration,
	}
	r.metrics.observeRun(kind, out)
	span.SetAttributes(
		attribute.String("toolmount.exec.exit_kind", string(out.Exit.Kind())),
		attribute.Int64("toolmount.exec.duration_ms", out.DurationMs()),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("exec finished",
		zap.Strings("cmd", in.Cmd),
		zap.Stringer("exit", out.Exit),
		zap.Duration("duration", duration),
		zap.String("stdout", humanize.Bytes(uint64(stdout.TotalBytes))),
		zap.String("stderr", humanize.Bytes(uint64(stderr.TotalBytes))),
		zap.Bool("truncated", stdout.Truncated || stderr.Truncated),
	)
	return out, nil
}

// completion tracks the two things a run waits for: the process exit and
// the end of both output streams.
type completion struct {
	waited  <-chan waitResult
	drained <-chan error

	res      waitResult
	drainErr error
	exited   bool
	eof      bool
}

func (c *completion) done() bool {
	return c.exited && c.eof
}

// await blocks until both the exit and the drains have been seen, or until
// deadline or stop fires. It reports whether the run completed.
func (c *completion) await(deadline <-chan time.Time, stop <-chan struct{}) bool {
	for !c.done() {
		select {
		case res := <-c.waited:
			c.res, c.exited, c.waited = res, true, nil
		case err := <-c.drained:
			c.drainErr, c.eof, c.drained = err, true, nil
		case <-deadline:
			return false
		case <-stop:
			return false
		}
	}
	return true
}

// awaitDrains waits up to d for the drains alone.
func (c *completion) awaitDrains(d time.Duration) bool {
	if c.eof {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case err := <-c.drained:
		c.drainErr, c.eof, c.drained = err, true, nil
		return true
	case <-t.C:
		return false
	}
}

// terminate sends TERM, then KILL after the grace period, and waits for the
// exit and the end of output. It reports false when the run is still not
// complete once the reap timeout after KILL has passed.
func (r *Runner) terminate(proc Process, c *completion, logger *zap.Logger) bool {
	if err := proc.Signal(SignalTerm); err != nil {
		logger.Debug("send TERM", zap.Error(err))
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()
	if c.await(grace.C, nil) {
		return true
	}

	logger.Warn("process ignored TERM, sending KILL", zap.Duration("grace_period", r.grace))
	if err := proc.Signal(SignalKill); err != nil {
		logger.Warn("send KILL", zap.Error(err))
	}

	reap := time.NewTimer(r.reap)
	defer reap.Stop()
	if c.await(reap.C, nil) {
		return true
	}
	logger.Warn("process still running after KILL, closing its streams",
		zap.Duration("reap_timeout", r.reap),
		zap.Bool("exited", c.exited),
		zap.Bool("output_closed", c.eof),
	)
	return false
}

func exitStatus(info ExitInfo, timedOut bool) exec.ExitStatus {
	switch {
	case timedOut:
		return exec.TimedOut{}
	case info.Signal != 0:
		return exec.Killed{Signal: info.Signal}
	default:
		return exec.Exited{ExitCode: info.Code}
	}
}
