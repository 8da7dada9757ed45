package exec

// InputOption customizes an Input built by NewInput.
type InputOption func(*Input)

// NewInput builds an Input for cmd with DefaultTimeoutMs.
// The result is not validated; call Validate before running it.
func NewInput(cmd []string, opts ...InputOption) Input {
	in := Input{
		Cmd:       append([]string(nil), cmd...),
		TimeoutMs: DefaultTimeoutMs,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&in)
		}
	}
	return in
}

// WithTimeoutMs sets the timeout in milliseconds.
func WithTimeoutMs(ms int) InputOption {
	return func(in *Input) {
		in.TimeoutMs = ms
	}
}

// WithCwd sets the working directory.
func WithCwd(dir string) InputOption {
	return func(in *Input) {
		in.Cwd = &dir
	}
}

// WithEnv appends NAME=value entries.
func WithEnv(entries ...string) InputOption {
	return func(in *Input) {
		in.Env = append(in.Env, entries...)
	}
}

// WithUser sets the user the command runs as.
func WithUser(user string) InputOption {
	return func(in *Input) {
		in.User = &user
	}
}
