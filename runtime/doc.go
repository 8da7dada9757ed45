// Package runtime runs exec requests against a process spawner and produces
// typed outcomes.
//
// A [Runner] owns the per-call state machine:
//
//	NO_PROCESS -> RUNNING -> EXITED | TIMED_OUT | KILLED
//
// While a process runs, stdout and stderr are drained concurrently with
// [exec.ReadLimited] and a timer counts toward the request timeout. When the
// timer fires first the runner sends TERM, waits [DefaultGracePeriod], and then
// sends KILL. Such a run reports [exec.TimedOut], never [exec.Killed]: Killed is
// reserved for signals the runner did not send.
//
// Spawning is delegated to a [Spawner]. The host backend runs local processes,
// the docker backend runs execs in a per-session container.
//
// Failure to start a process is returned as an error wrapping [ErrSpawnFailed].
// A non-zero exit code or a signal is a normal outcome, not an error.
package runtime
