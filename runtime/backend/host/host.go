// Package host provides a spawner that runs commands as local processes.
//
// Each process is started in its own process group so TERM and KILL reach
// everything it spawned. Output is delivered through OS pipes that the runner
// drains directly.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"os/user"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/jonwraymond/toolmount/runtime"
	"github.com/jonwraymond/toolmount/runtime/backend/shared"
)

// ErrUnknownUser is returned when ProcessSpec.User cannot be resolved.
var ErrUnknownUser = errors.New("unknown user")

// Config configures a host Spawner.
type Config struct {
	// BaseEnv is the environment every process starts with.
	// Default: os.Environ()
	BaseEnv []string

	// Logger is an optional logger for spawner events.
	Logger *zap.Logger
}

// Spawner starts local processes.
type Spawner struct {
	baseEnv []string
	logger  *zap.Logger
}

// New creates a host spawner.
func New(cfg Config) *Spawner {
	baseEnv := cfg.BaseEnv
	if baseEnv == nil {
		baseEnv = os.Environ()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spawner{
		baseEnv: baseEnv,
		logger:  logger.Named("host"),
	}
}

// Kind returns runtime.BackendHost.
func (s *Spawner) Kind() runtime.BackendKind {
	return runtime.BackendHost
}

// Spawn starts spec.Argv in a new process group.
func (s *Spawner) Spawn(ctx context.Context, spec runtime.ProcessSpec) (runtime.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	path, err := osexec.LookPath(spec.Argv[0])
	if err != nil {
		return nil, err
	}

	cmd := osexec.Command(path, spec.Argv[1:]...)
	cmd.Args[0] = spec.Argv[0]
	cmd.Dir = spec.Dir
	cmd.Env = shared.EnvWith(s.baseEnv, spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.User != "" {
		cred, err := lookupCredential(spec.User)
		if err != nil {
			return nil, err
		}
		cmd.SysProcAttr.Credential = cred
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, startErr
	}

	s.logger.Debug("process started", zap.Int("pid", cmd.Process.Pid), zap.String("path", path))
	return &process{cmd: cmd, stdout: stdoutR, stderr: stderrR}, nil
}

type process struct {
	cmd    *osexec.Cmd
	stdout *os.File
	stderr *os.File
}

func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Signal(sig runtime.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, syscall.Signal(sig))
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *process) Wait() (runtime.ExitInfo, error) {
	state, err := p.cmd.Process.Wait()
	if err != nil {
		return runtime.ExitInfo{}, err
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return runtime.ExitInfo{Signal: int(ws.Signal())}, nil
	}
	return runtime.ExitInfo{Code: state.ExitCode()}, nil
}

func (p *process) Close() error {
	return errors.Join(p.stdout.Close(), p.stderr.Close())
}

func lookupCredential(name string) (*syscall.Credential, error) {
	u, err := user.Lookup(name)
	if err != nil {
		u, err = user.LookupId(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
		}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: uid %q", ErrUnknownUser, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: gid %q", ErrUnknownUser, u.Gid)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
