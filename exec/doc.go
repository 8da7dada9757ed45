// Package exec defines the request and result model for sandboxed command execution.
//
// A caller describes a command with [Input]: an argv list (never a shell string),
// an optional working directory, environment and user, and a mandatory timeout in
// milliseconds bounded to (0, [MaxTimeoutMs]]. [Input.Validate] rejects malformed
// requests before anything is spawned.
//
// A finished run is described by an [Outcome]: the raw stdout/stderr bytes, an
// [ExitStatus] and the elapsed duration. [Outcome.Render] turns it into the wire
// [Result], where each stream is either complete text or a [TruncatedStream]
// carrying a byte-capped prefix and the true total size.
//
// # Exit status
//
// [ExitStatus] is a closed set of three variants, discriminated on the wire by a
// "kind" field:
//
//	{"kind": "timed_out"}
//	{"kind": "exited", "exit_code": 0}
//	{"kind": "killed", "signal": 9}
//
// Only a process that actually started has an exit status. Failing to start is an
// error, not a status.
//
// # Stream capture
//
// [ReadLimited] drains a reader to EOF while storing at most a fixed number of
// bytes. Draining continues past the limit so a producer writing more than the
// limit never blocks on a full pipe.
//
//	res, err := exec.ReadLimited(stdout, exec.MaxBytesCap, exec.DefaultChunkSize)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.TotalBytes, res.Truncated)
package exec
