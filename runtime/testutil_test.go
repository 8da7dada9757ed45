package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

var errSpawn = errors.New("image gone")

// fakeSpawner hands out fakeProcess values built by newProc.
type fakeSpawner struct {
	mu      sync.Mutex
	spawned []ProcessSpec
	newProc func(spec ProcessSpec) (*fakeProcess, error)
}

func (s *fakeSpawner) Kind() BackendKind { return "fake" }

func (s *fakeSpawner) Spawn(_ context.Context, spec ProcessSpec) (Process, error) {
	s.mu.Lock()
	s.spawned = append(s.spawned, spec)
	s.mu.Unlock()
	p, err := s.newProc(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

// fakeProcess exits with exit once released. Signals listed in dieOn release
// it with the signal as the exit info.
type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader
	exit   ExitInfo
	dieOn  map[Signal]bool

	onSignal func(Signal)
	onClose  func()

	mu       sync.Mutex
	signals  []Signal
	released chan ExitInfo
	closed   bool
}

func newFakeProcess(stdout, stderr string, exit ExitInfo) *fakeProcess {
	p := &fakeProcess{
		stdout:   strings.NewReader(stdout),
		stderr:   strings.NewReader(stderr),
		exit:     exit,
		released: make(chan ExitInfo, 1),
	}
	p.released <- exit
	return p
}

// newHangingProcess never exits until one of dieOn is delivered.
func newHangingProcess(dieOn ...Signal) *fakeProcess {
	p := &fakeProcess{
		stdout:   strings.NewReader(""),
		stderr:   strings.NewReader(""),
		dieOn:    make(map[Signal]bool),
		released: make(chan ExitInfo, 1),
	}
	for _, sig := range dieOn {
		p.dieOn[sig] = true
	}
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Signal(sig Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	if p.onSignal != nil {
		p.onSignal(sig)
	}
	if p.dieOn[sig] {
		select {
		case p.released <- ExitInfo{Signal: int(sig)}:
		default:
		}
	}
	return nil
}

func (p *fakeProcess) Wait() (ExitInfo, error) {
	return <-p.released, nil
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && p.onClose != nil {
		p.onClose()
	}
	p.closed = true
	return nil
}

func (p *fakeProcess) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// newStreamBoundProcess ignores every signal. Its exit is only observed once
// its stdout stream ends, and the stream only ends on Close.
func newStreamBoundProcess() *fakeProcess {
	pr, pw := io.Pipe()
	p := newHangingProcess()
	p.stdout = pr
	p.onClose = func() {
		_ = pw.CloseWithError(io.ErrClosedPipe)
		select {
		case p.released <- ExitInfo{Code: 137}:
		default:
		}
	}
	return p
}

// newOrphanedOutputProcess exits at once but leaves stdout open, the way a
// background child holds inherited pipes. TERM ends the stream.
func newOrphanedOutputProcess(text string) *fakeProcess {
	pr, pw := io.Pipe()
	p := newFakeProcess("", "", ExitInfo{})
	p.stdout = pr
	go func() { _, _ = pw.Write([]byte(text)) }()
	p.onSignal = func(sig Signal) {
		if sig == SignalTerm {
			_ = pw.Close()
		}
	}
	return p
}

func (p *fakeProcess) sent() []Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Signal(nil), p.signals...)
}

// errReader fails after returning its prefix.
type errReader struct {
	prefix string
	err    error
	done   bool
}

func (r *errReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.prefix), nil
	}
	return 0, r.err
}
