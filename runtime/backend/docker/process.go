package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonwraymond/toolmount/runtime"
	"github.com/jonwraymond/toolmount/runtime/backend/shared"
)

// pidPrefix is where PID files of running execs live inside the container.
const pidPrefix = "/tmp/.toolmount-"

// pidPrologue records the shell PID in $0 and replaces the shell with "$@"
// running as leader of its own process group, so a signal to -PID also
// reaches background children. setsid is skipped when the shell already leads
// its group or the image lacks it.
const pidPrologue = `echo $$ > "$0" || exit 125
read -r _ _ _ _ pg _ < /proc/$$/stat 2>/dev/null
if [ "$pg" != "$$" ] && command -v setsid >/dev/null 2>&1; then exec setsid "$@"; fi
exec "$@"`

// lookupScript exits non-zero when $1 is neither an executable path nor a
// command found on PATH.
const lookupScript = `case "$1" in
*/*) [ -f "$1" ] && [ -x "$1" ] ;;
*) command -v "$1" >/dev/null 2>&1 ;;
esac`

// signalScript signals the process group recorded in $1, falling back to the
// single PID when no such group exists.
const signalScript = `pid=$(cat "$1" 2>/dev/null) || exit 0
kill -s "$2" -- "-$pid" 2>/dev/null || kill -s "$2" "$pid" 2>/dev/null
exit 0`

// controlTimeout bounds the helper execs used for signaling and cleanup.
const controlTimeout = 10 * time.Second

// inspectPoll is the delay between exec inspections while waiting for exit.
const inspectPoll = 50 * time.Millisecond

// Spawn starts spec as an exec in the session container.
func (s *Session) Spawn(ctx context.Context, spec runtime.ProcessSpec) (runtime.Process, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	// The prologue runs under sh, which would report a missing command as an
	// ordinary exit 127. Resolve it first so that case stays a spawn failure.
	code, err := s.run(ctx, container.ExecOptions{
		Cmd:        []string{"sh", "-c", lookupScript, "sh", spec.Argv[0]},
		WorkingDir: spec.Dir,
		Env:        spec.Env,
		User:       spec.User,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", spec.Argv[0], err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, spec.Argv[0])
	}

	pidFile := pidPrefix + uuid.NewString() + ".pid"
	cmd := append([]string{"sh", "-c", pidPrologue, pidFile}, spec.Argv...)

	created, err := s.api.ContainerExecCreate(ctx, s.info.ContainerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   spec.Dir,
		Env:          spec.Env,
		User:         spec.User,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}
	attached, err := s.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &process{
		session: s,
		execID:  created.ID,
		pidFile: pidFile,
		conn:    attached,
		stdout:  stdoutR,
		stderr:  stderrR,
		copied:  make(chan struct{}),
	}
	go func() {
		defer close(p.copied)
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attached.Reader)
		_ = stdoutW.CloseWithError(err)
		_ = stderrW.CloseWithError(err)
	}()

	s.logger.Debug("exec started", zap.String("exec_id", shortID(created.ID)), zap.Strings("cmd", spec.Argv))
	return p, nil
}

type process struct {
	session *Session
	execID  string
	pidFile string
	conn    types.HijackedResponse
	stdout  *io.PipeReader
	stderr  *io.PipeReader
	copied  chan struct{}
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

// Signal runs kill against the recorded process group in a helper exec as root.
func (p *process) Signal(sig runtime.Signal) error {
	return p.session.control([]string{"sh", "-c", signalScript, "sh", p.pidFile, signalName(sig)})
}

// Wait returns once the exec output stream has ended and docker reports the
// exec as no longer running.
func (p *process) Wait() (runtime.ExitInfo, error) {
	<-p.copied
	code, err := p.session.exitCode(context.Background(), p.execID)
	if err != nil {
		return runtime.ExitInfo{}, err
	}
	return shared.ExitInfoFromCode(code), nil
}

func (p *process) Close() error {
	p.conn.Close()
	err := errors.Join(p.stdout.Close(), p.stderr.Close())
	if rmErr := p.session.control([]string{"rm", "-f", p.pidFile}); rmErr != nil {
		p.session.logger.Debug("remove pid file", zap.String("path", p.pidFile), zap.Error(rmErr))
	}
	return err
}

// control runs a short helper command as root and waits for it to finish.
func (s *Session) control(cmd []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	_, err := s.run(ctx, container.ExecOptions{Cmd: cmd, User: "0"})
	return err
}

// run executes a helper exec to completion, discarding its output, and
// returns its exit code.
func (s *Session) run(ctx context.Context, opts container.ExecOptions) (int, error) {
	if s.isClosed() {
		return 0, ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	opts.AttachStdout, opts.AttachStderr = true, true
	created, err := s.api.ContainerExecCreate(ctx, s.info.ContainerID, opts)
	if err != nil {
		return 0, err
	}
	attached, err := s.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, err
	}
	_, err = io.Copy(io.Discard, attached.Reader)
	attached.Close()
	if err != nil {
		return 0, err
	}
	return s.exitCode(ctx, created.ID)
}

// exitCode polls an exec until docker reports it as no longer running.
func (s *Session) exitCode(ctx context.Context, execID string) (int, error) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, controlTimeout)
		inspect, err := s.api.ContainerExecInspect(callCtx, execID)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("inspect exec: %w", ctx.Err())
		case <-time.After(inspectPoll):
		}
	}
}

func signalName(sig runtime.Signal) string {
	switch sig {
	case runtime.SignalTerm:
		return "TERM"
	case runtime.SignalKill:
		return "KILL"
	default:
		return strconv.Itoa(int(sig))
	}
}
