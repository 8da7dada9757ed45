package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Errors for mount operations.
var (
	// ErrAlreadySetUp is returned when a setup method is called on a mount
	// that is no longer PENDING. The mount state is left unchanged.
	ErrAlreadySetUp = errors.New("mount already set up")

	// ErrNotActive is returned by accessors when the mount is not ACTIVE.
	ErrNotActive = errors.New("mount not active")

	// ErrInitializeMissing is recorded when the child client connected but no
	// initialize result is available.
	ErrInitializeMissing = errors.New("initialize result missing")

	// ErrUnknownTransport is returned for a spec with an unsupported transport.
	ErrUnknownTransport = errors.New("unknown transport")
)

// State is the lifecycle state of a mount.
type State int

// Mount states. Transitions are one-way:
// PENDING -> ACTIVE | FAILED -> CLOSED, or PENDING -> CLOSED.
const (
	StatePending State = iota
	StateActive
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SetupResult reports how a setup call ended.
type SetupResult int

const (
	// SetupActive means the mount is ACTIVE.
	SetupActive SetupResult = iota + 1

	// SetupFailed means the mount is FAILED with its resources still
	// attached. Err describes the failure; no error is returned.
	SetupFailed

	// SetupAborted means setup returned an error. For ErrAlreadySetUp the
	// state is unchanged; otherwise the mount is FAILED with nothing left
	// to release.
	SetupAborted
)

func (r SetupResult) String() string {
	switch r {
	case SetupActive:
		return "active"
	case SetupFailed:
		return "failed"
	case SetupAborted:
		return "aborted"
	default:
		return fmt.Sprintf("SetupResult(%d)", int(r))
	}
}

// ChildOptionsFactory builds client options for the child client of the
// mount with the given prefix. It may return nil.
type ChildOptionsFactory func(prefix string) *mcp.ClientOptions

// Version is reported as the child client implementation version.
const Version = "0.1.0"

const tracerName = "github.com/jonwraymond/toolmount/mount"

// Config configures a Mount.
type Config struct {
	// Prefix names the mount. It is immutable.
	Prefix string

	// Pinned marks a mount that must survive ordinary unmounts.
	Pinned bool

	// Logger is an optional logger.
	// Default: zap.NewNop()
	Logger *zap.Logger
}

// Mount is one sub-server attachment.
//
// Contract:
//   - Concurrency: all methods are safe for concurrent use. Setup and Cleanup
//     are serialized.
//   - Ownership: the mount exclusively owns its stack and everything on it.
type Mount struct {
	prefix string
	pinned bool
	logger *zap.Logger
	tracer trace.Tracer

	// verify checks the child handshake after connecting.
	verify func(*mcp.ClientSession) error

	lifecycle sync.Mutex

	mu      sync.RWMutex
	state   State
	spec    *ServerSpec
	server  *mcp.Server
	stack   *Stack
	session *mcp.ClientSession
	proxy   *Proxy
	err     error
}

// New creates a PENDING mount.
func New(cfg Config) *Mount {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mount{
		prefix: cfg.Prefix,
		pinned: cfg.Pinned,
		logger: logger.Named("mount").With(zap.String("prefix", cfg.Prefix)),
		tracer: otel.Tracer(tracerName),
		verify: verifyHandshake,
		state:  StatePending,
	}
}

// Prefix returns the mount name.
func (m *Mount) Prefix() string { return m.prefix }

// Pinned reports whether the mount is pinned.
func (m *Mount) Pinned() bool { return m.pinned }

// State returns the current lifecycle state.
func (m *Mount) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsActive reports whether the mount is ACTIVE.
func (m *Mount) IsActive() bool { return m.State() == StateActive }

// Err returns the setup failure of a FAILED mount, or nil.
func (m *Mount) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateFailed {
		return nil
	}
	return m.err
}

// Spec returns a copy of the external server spec, or nil for in-process mounts.
func (m *Mount) Spec() *ServerSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.spec == nil {
		return nil
	}
	spec := m.spec.clone()
	return &spec
}

// InProcServer returns the in-process server, or nil for external mounts.
func (m *Mount) InProcServer() *mcp.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.server
}

// Proxy returns the forwarding proxy of an ACTIVE mount.
func (m *Mount) Proxy() (*Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateActive {
		return nil, m.notActive()
	}
	return m.proxy, nil
}

// ClientSession returns the child client session of an ACTIVE mount.
func (m *Mount) ClientSession() (*mcp.ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateActive {
		return nil, m.notActive()
	}
	return m.session, nil
}

func (m *Mount) notActive() error {
	return fmt.Errorf("%w: %q (state: %s)", ErrNotActive, m.prefix, m.state)
}

// SetupInProc connects a child client to server over an in-memory transport.
func (m *Mount) SetupInProc(ctx context.Context, server *mcp.Server, childOpts ChildOptionsFactory) (SetupResult, error) {
	if server == nil {
		return SetupAborted, errors.New("server is nil")
	}
	return m.setup(ctx, "inproc", func(ctx context.Context, stack *Stack) (mcp.Transport, error) {
		serverT, clientT := mcp.NewInMemoryTransports()
		ss, err := server.Connect(ctx, serverT, nil)
		if err != nil {
			return nil, fmt.Errorf("connect in-process server: %w", err)
		}
		stack.Push(ss.Close)

		m.mu.Lock()
		m.server = server
		m.mu.Unlock()
		return clientT, nil
	}, childOpts)
}

// SetupExternal connects a child client through the transport that factory
// builds from spec. A nil factory means DefaultTransportFactory.
func (m *Mount) SetupExternal(ctx context.Context, spec ServerSpec, factory TransportFactory, childOpts ChildOptionsFactory) (SetupResult, error) {
	if factory == nil {
		factory = DefaultTransportFactory
	}
	return m.setup(ctx, "external", func(context.Context, *Stack) (mcp.Transport, error) {
		m.mu.Lock()
		recorded := spec.clone()
		m.spec = &recorded
		m.mu.Unlock()
		return factory(spec)
	}, childOpts)
}

// openFunc opens the transport for the child client, pushing anything it
// acquires onto stack.
type openFunc func(ctx context.Context, stack *Stack) (mcp.Transport, error)

func (m *Mount) setup(ctx context.Context, kind string, open openFunc, childOpts ChildOptionsFactory) (SetupResult, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if state := m.State(); state != StatePending {
		return SetupAborted, fmt.Errorf("%w: %q (state: %s)", ErrAlreadySetUp, m.prefix, state)
	}

	ctx, span := m.tracer.Start(ctx, "toolmount.mount.setup", trace.WithAttributes(
		attribute.String("mount.prefix", m.prefix),
		attribute.String("mount.kind", kind),
	))
	defer span.End()

	stack := &Stack{}
	session, err := m.connect(ctx, stack, open, childOpts)
	if err != nil {
		if closeErr := stack.Close(); closeErr != nil {
			m.logger.Error("close after aborted setup", zap.Error(closeErr))
		}
		m.mu.Lock()
		m.state = StateFailed
		m.err = err
		m.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "setup aborted")
		return SetupAborted, err
	}

	if err := m.verify(session); err != nil {
		m.logger.Warn("handshake not verified", zap.Error(err))
		m.mu.Lock()
		m.state = StateFailed
		m.err = err
		m.stack = stack
		m.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		return SetupFailed, nil
	}

	m.mu.Lock()
	m.state = StateActive
	m.stack = stack
	m.session = session
	m.proxy = newProxy(m.prefix, session)
	m.mu.Unlock()

	m.logger.Debug("mount active", zap.String("kind", kind))
	return SetupActive, nil
}

func (m *Mount) connect(ctx context.Context, stack *Stack, open openFunc, childOpts ChildOptionsFactory) (*mcp.ClientSession, error) {
	transport, err := open(ctx, stack)
	if err != nil {
		return nil, err
	}

	var opts *mcp.ClientOptions
	if childOpts != nil {
		opts = childOpts(m.prefix)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "toolmount-" + m.prefix, Version: Version}, opts)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect child client: %w", err)
	}
	stack.Push(session.Close)
	return session, nil
}

func verifyHandshake(session *mcp.ClientSession) error {
	if session.InitializeResult() == nil {
		return ErrInitializeMissing
	}
	return nil
}

// Cleanup releases the mount resources and moves it to CLOSED.
// It is idempotent and never fails; close errors are logged.
func (m *Mount) Cleanup() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	state := m.state
	stack := m.stack
	if state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.stack = nil
	m.session = nil
	m.proxy = nil
	m.err = nil
	m.mu.Unlock()

	if state == StatePending {
		m.logger.Warn("cleaning up mount that was never set up")
	}
	if stack == nil {
		return
	}
	if err := stack.Close(); err != nil {
		m.logger.Error("mount cleanup failed", zap.Stringer("state", state), zap.Error(err))
	}
}
