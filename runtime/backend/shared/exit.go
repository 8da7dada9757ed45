// Package shared provides common utilities for spawner implementations.
package shared

import "github.com/jonwraymond/toolmount/runtime"

// signalBase is the shell convention offset for signal exit codes.
const signalBase = 128

// maxSignal is the highest real-time signal number on Linux.
const maxSignal = 64

// SignalExitCode returns the shell-style exit code for a process killed by sig.
func SignalExitCode(sig int) int {
	return signalBase + sig
}

// ExitInfoFromCode maps an exit code reported by a runtime that hides wait
// statuses (for example a container exec) to ExitInfo.
//
// Codes in (128, 128+64] follow the shell convention for death by signal and
// are reported as that signal. Everything else is a plain exit code. A program
// that exits with such a code on purpose is indistinguishable from one that
// was signaled.
func ExitInfoFromCode(code int) runtime.ExitInfo {
	if code > signalBase && code <= signalBase+maxSignal {
		return runtime.ExitInfo{Signal: code - signalBase}
	}
	return runtime.ExitInfo{Code: code}
}

// EnvWith returns base with extra NAME=value entries appended, without
// modifying base.
func EnvWith(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
