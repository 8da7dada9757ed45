package exec

import (
	"errors"
	"fmt"
	"strings"
)

// Limits applied to exec requests and captured output.
const (
	// MaxTimeoutMs is the largest accepted timeout_ms (5 minutes).
	MaxTimeoutMs = 300_000

	// DefaultTimeoutMs is used by NewInput when no timeout option is given.
	DefaultTimeoutMs = 10_000

	// MaxBytesCap is the largest number of bytes stored per stream.
	MaxBytesCap = 150_000

	// DefaultChunkSize is the buffered read size used while draining streams.
	DefaultChunkSize = 8192
)

// Validation errors.
var (
	// ErrInvalidInput wraps every validation failure returned by Input.Validate.
	ErrInvalidInput = errors.New("invalid exec input")

	// ErrEmptyCommand is returned when cmd has no elements.
	ErrEmptyCommand = errors.New("cmd must contain at least one element")

	// ErrTimeoutOutOfRange is returned when timeout_ms is outside (0, MaxTimeoutMs].
	ErrTimeoutOutOfRange = errors.New("timeout_ms out of range")

	// ErrInvalidEnv is returned for env entries that are not NAME=value.
	ErrInvalidEnv = errors.New("env entry must be NAME=value")
)

// Input is a request to run one command.
//
// Cmd is passed to the spawner as argv. Shell features require an explicit
// ["sh", "-c", "..."] command.
type Input struct {
	Cmd       []string `json:"cmd" jsonschema:"Command array passed directly to exec (no shell). For pipes or globs use [\"sh\",\"-c\",\"...\"]"`
	Cwd       *string  `json:"cwd,omitempty" jsonschema:"Working directory (null = default)"`
	Env       []string `json:"env,omitempty" jsonschema:"Environment variables as NAME=value (null = inherit)"`
	User      *string  `json:"user,omitempty" jsonschema:"User to run as (null = default)"`
	TimeoutMs int      `json:"timeout_ms" jsonschema:"Timeout in milliseconds; TERM is sent on expiry and the exit status becomes timed_out"`
}

// Validate checks the request without touching any process.
func (in Input) Validate() error {
	if len(in.Cmd) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, ErrEmptyCommand)
	}
	if in.TimeoutMs <= 0 || in.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("%w: %w: %d not in (0, %d]", ErrInvalidInput, ErrTimeoutOutOfRange, in.TimeoutMs, MaxTimeoutMs)
	}
	for i, entry := range in.Env {
		if strings.IndexByte(entry, '=') <= 0 {
			return fmt.Errorf("%w: %w: env[%d] = %q", ErrInvalidInput, ErrInvalidEnv, i, entry)
		}
	}
	return nil
}

// EnvMap returns Env as a map. Later entries win on duplicate names.
func (in Input) EnvMap() map[string]string {
	out := make(map[string]string, len(in.Env))
	for _, entry := range in.Env {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// WorkingDir returns Cwd or "" when unset.
func (in Input) WorkingDir() string {
	if in.Cwd == nil {
		return ""
	}
	return *in.Cwd
}

// Username returns User or "" when unset.
func (in Input) Username() string {
	if in.User == nil {
		return ""
	}
	return *in.User
}
