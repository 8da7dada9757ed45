package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// BackendKind identifies a spawner implementation.
type BackendKind string

// Known spawner kinds.
const (
	BackendHost   BackendKind = "host"
	BackendDocker BackendKind = "docker"
)

// Errors for runner operations.
var (
	// ErrSpawnerNotConfigured is returned when a Runner has no Spawner.
	ErrSpawnerNotConfigured = errors.New("spawner not configured")

	// ErrSpawnFailed wraps failures to start a process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrCaptureFailed wraps I/O errors while draining process output.
	ErrCaptureFailed = errors.New("output capture failed")

	// ErrWaitFailed wraps failures to collect a process exit status.
	ErrWaitFailed = errors.New("wait failed")
)

// Signal is a termination signal the runner can deliver.
type Signal int

// Signals used by the timeout path.
const (
	SignalKill Signal = 9
	SignalTerm Signal = 15
)

func (s Signal) String() string {
	switch s {
	case SignalTerm:
		return "TERM"
	case SignalKill:
		return "KILL"
	default:
		return fmt.Sprintf("signal %d", int(s))
	}
}

// ProcessSpec describes a process to start.
type ProcessSpec struct {
	// Argv is the command and its arguments. Argv[0] is resolved by the spawner.
	Argv []string

	// Dir is the working directory. Empty means the spawner default.
	Dir string

	// Env holds NAME=value entries added to the spawner's base environment.
	Env []string

	// User is the user to run as. Empty means the spawner default.
	User string
}

// ExitInfo is how a process ended, as reported by its spawner.
type ExitInfo struct {
	// Code is the exit code when the process exited on its own.
	Code int

	// Signal is the terminating signal number, or 0 when the process exited.
	Signal int
}

// Spawner starts processes.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Spawn must honor cancellation while starting; the returned
// Process outlives ctx.
// - Errors: failures to start are returned from Spawn; once Spawn returns a
// Process the runner owns it and must Close it.
type Spawner interface {
	Kind() BackendKind
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
}

// Process is a started process.
//
// Contract:
// - Concurrency: Stdout and Stderr are read concurrently with Wait and Signal.
// - Streams: both readers reach EOF once the process and anything holding
// its output open are gone.
// - Wait returns exactly once per process; Signal after exit is harmless.
// - Ownership: Close releases spawner resources and is called after Wait.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig Signal) error
	Wait() (ExitInfo, error)
	Close() error
}
