package exec

import (
	"encoding/json"
	"fmt"
	"time"
)

// Output holds the raw bytes captured from a process.
//
// StdoutTotal and StderrTotal carry the true stream sizes when capture stopped
// storing early. Zero means the stored bytes are the whole stream.
type Output struct {
	Stdout      []byte
	Stderr      []byte
	StdoutTotal int64
	StderrTotal int64
}

// OutputFromCapture builds an Output from two drained streams.
func OutputFromCapture(stdout, stderr StreamReadResult) Output {
	return Output{
		Stdout:      stdout.Stored,
		Stderr:      stderr.Stored,
		StdoutTotal: stdout.TotalBytes,
		StderrTotal: stderr.TotalBytes,
	}
}

// Outcome is the result of one run before rendering.
// It belongs to the run that produced it and is consumed right away.
type Outcome struct {
	Output   Output
	Exit     ExitStatus
	Duration time.Duration
}

// DurationMs returns the duration in whole milliseconds, never negative.
func (o Outcome) DurationMs() int64 {
	if o.Duration < 0 {
		return 0
	}
	return o.Duration.Milliseconds()
}

// Render turns the outcome into the wire Result, capping each stream at limit bytes.
func (o Outcome) Render(limit int) Result {
	return Result{
		Exit:       o.Exit,
		Stdout:     renderCaptured(o.Output.Stdout, o.Output.StdoutTotal, limit),
		Stderr:     renderCaptured(o.Output.Stderr, o.Output.StderrTotal, limit),
		DurationMs: o.DurationMs(),
	}
}

// renderCaptured renders data that may already be a prefix of a longer stream.
func renderCaptured(data []byte, total int64, limit int) Stream {
	if total <= int64(len(data)) {
		return RenderStream(data, limit)
	}
	if limit <= 0 {
		return Complete("")
	}
	prefix := data[:min(limit, len(data))]
	return TruncatedStream{
		TruncatedText: decodeLossy(trimPartialRune(prefix)),
		TotalBytes:    int(total),
	}
}

// Result is the response of the exec tool.
type Result struct {
	Exit       ExitStatus `json:"exit"`
	Stdout     Stream     `json:"stdout"`
	Stderr     Stream     `json:"stderr"`
	DurationMs int64      `json:"duration_ms"`
}

// UnmarshalJSON decodes the tagged exit status and both stream encodings.
func (r *Result) UnmarshalJSON(data []byte) error {
	var wire struct {
		Exit       json.RawMessage `json:"exit"`
		Stdout     json.RawMessage `json:"stdout"`
		Stderr     json.RawMessage `json:"stderr"`
		DurationMs int64           `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode exec result: %w", err)
	}
	exit, err := UnmarshalExitStatus(wire.Exit)
	if err != nil {
		return err
	}
	stdout, err := UnmarshalStream(wire.Stdout)
	if err != nil {
		return fmt.Errorf("stdout: %w", err)
	}
	stderr, err := UnmarshalStream(wire.Stderr)
	if err != nil {
		return fmt.Errorf("stderr: %w", err)
	}
	*r = Result{Exit: exit, Stdout: stdout, Stderr: stderr, DurationMs: wire.DurationMs}
	return nil
}

// OutputSchema is the JSON schema of Result, used when advertising the exec tool.
func OutputSchema() map[string]any {
	stream := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"truncated_text": map[string]any{"type": "string"},
					"total_bytes":    map[string]any{"type": "integer", "minimum": 0},
				},
				"required":             []any{"truncated_text", "total_bytes"},
				"additionalProperties": false,
			},
		},
	}
	exit := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"kind":      map[string]any{"type": "string", "enum": []any{string(KindTimedOut), string(KindExited), string(KindKilled)}},
			"exit_code": map[string]any{"type": "integer"},
			"signal":    map[string]any{"type": "integer"},
		},
		"required": []any{"kind"},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"exit":        exit,
			"stdout":      stream,
			"stderr":      stream,
			"duration_ms": map[string]any{"type": "integer", "minimum": 0},
		},
		"required":             []any{"exit", "stdout", "stderr", "duration_ms"},
		"additionalProperties": false,
	}
}
