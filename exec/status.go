package exec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ExitKind discriminates ExitStatus variants on the wire.
type ExitKind string

// Exit kinds.
const (
	KindTimedOut ExitKind = "timed_out"
	KindExited   ExitKind = "exited"
	KindKilled   ExitKind = "killed"
)

// ErrUnknownExitKind is returned when decoding an exit status with an unknown kind.
var ErrUnknownExitKind = errors.New("unknown exit kind")

// ExitStatus describes how a started process ended.
// The implementations are TimedOut, Exited and Killed; the set is closed.
type ExitStatus interface {
	Kind() ExitKind
	String() string
	isExitStatus()
}

// TimedOut means the runner terminated the process after its timeout elapsed.
type TimedOut struct{}

// Exited means the process ran to completion.
type Exited struct {
	ExitCode int
}

// Killed means the process was terminated by a signal the runner did not send.
type Killed struct {
	Signal int
}

func (TimedOut) Kind() ExitKind { return KindTimedOut }
func (Exited) Kind() ExitKind   { return KindExited }
func (Killed) Kind() ExitKind   { return KindKilled }

func (TimedOut) isExitStatus() {}
func (Exited) isExitStatus()   {}
func (Killed) isExitStatus()   {}

func (TimedOut) String() string { return "timed out" }
func (e Exited) String() string { return fmt.Sprintf("exited %d", e.ExitCode) }
func (k Killed) String() string { return fmt.Sprintf("killed by signal %d", k.Signal) }

// MarshalJSON encodes {"kind":"timed_out"}.
func (TimedOut) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind ExitKind `json:"kind"`
	}{KindTimedOut})
}

// MarshalJSON encodes {"kind":"exited","exit_code":N}.
func (e Exited) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind     ExitKind `json:"kind"`
		ExitCode int      `json:"exit_code"`
	}{KindExited, e.ExitCode})
}

// MarshalJSON encodes {"kind":"killed","signal":N}.
func (k Killed) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind   ExitKind `json:"kind"`
		Signal int      `json:"signal"`
	}{KindKilled, k.Signal})
}

// UnmarshalExitStatus decodes the tagged exit status encoding.
func UnmarshalExitStatus(data []byte) (ExitStatus, error) {
	var wire struct {
		Kind     ExitKind `json:"kind"`
		ExitCode *int     `json:"exit_code"`
		Signal   *int     `json:"signal"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode exit status: %w", err)
	}
	switch wire.Kind {
	case KindTimedOut:
		return TimedOut{}, nil
	case KindExited:
		if wire.ExitCode == nil {
			return nil, fmt.Errorf("decode exit status: exited without exit_code")
		}
		return Exited{ExitCode: *wire.ExitCode}, nil
	case KindKilled:
		if wire.Signal == nil {
			return nil, fmt.Errorf("decode exit status: killed without signal")
		}
		return Killed{Signal: *wire.Signal}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExitKind, wire.Kind)
	}
}
