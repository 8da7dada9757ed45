package mount

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type echoArgs struct {
	Message string `json:"message"`
}

type echoOut struct {
	Message string `json:"message"`
}

func newEchoServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "echo", Version: "0.0.1"}, nil)
	mcp.AddTool(srv, &mcp.Tool{Name: "echo", Description: "Echo input"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, echoOut, error) {
			return nil, echoOut(in), nil
		})
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func inMemoryFactory(t *testing.T, srv *mcp.Server) TransportFactory {
	t.Helper()
	return func(ServerSpec) (mcp.Transport, error) {
		serverT, clientT := mcp.NewInMemoryTransports()
		ss, err := srv.Connect(context.Background(), serverT, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		return clientT, nil
	}
}

func TestMount_New(t *testing.T) {
	m := New(Config{Prefix: "tools", Pinned: true})
	if m.Prefix() != "tools" || !m.Pinned() {
		t.Errorf("Prefix/Pinned = %q/%v", m.Prefix(), m.Pinned())
	}
	if m.State() != StatePending {
		t.Errorf("State() = %v, want %v", m.State(), StatePending)
	}
	if m.Err() != nil || m.Spec() != nil || m.InProcServer() != nil {
		t.Error("new mount should carry no error, spec or server")
	}
}

func TestMount_SetupInProc(t *testing.T) {
	ctx := testContext(t)
	srv := newEchoServer()
	m := New(Config{Prefix: "echo"})

	res, err := m.SetupInProc(ctx, srv, nil)
	if err != nil {
		t.Fatalf("SetupInProc() error = %v", err)
	}
	if res != SetupActive || !m.IsActive() {
		t.Fatalf("result = %v, state = %v, want active", res, m.State())
	}
	if m.InProcServer() != srv {
		t.Error("InProcServer() did not return the mounted server")
	}
	defer m.Cleanup()

	proxy, err := m.Proxy()
	if err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if proxy.InitializeResult().ServerInfo.Name != "echo" {
		t.Errorf("ServerInfo.Name = %q, want echo", proxy.InitializeResult().ServerInfo.Name)
	}

	tools, err := proxy.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("ListTools() = %v, want [echo]", tools)
	}

	out, err := proxy.CallTool(ctx, "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out.IsError {
		t.Fatalf("CallTool() reported tool error: %v", out.Content)
	}
	structured, ok := out.StructuredContent.(map[string]any)
	if !ok || structured["message"] != "hi" {
		t.Errorf("StructuredContent = %#v, want message hi", out.StructuredContent)
	}

	if _, err := m.ClientSession(); err != nil {
		t.Errorf("ClientSession() error = %v", err)
	}
}

func TestMount_SetupExternal(t *testing.T) {
	ctx := testContext(t)
	m := New(Config{Prefix: "remote"})
	spec := ServerSpec{URL: "http://example.invalid/mcp", Headers: map[string]string{"X-A": "1"}}

	res, err := m.SetupExternal(ctx, spec, inMemoryFactory(t, newEchoServer()), nil)
	if err != nil || res != SetupActive {
		t.Fatalf("SetupExternal() = %v, %v; want active", res, err)
	}
	defer m.Cleanup()

	got := m.Spec()
	if got == nil || got.URL != spec.URL {
		t.Fatalf("Spec() = %+v, want recorded spec", got)
	}
	got.Headers["X-A"] = "changed"
	if m.Spec().Headers["X-A"] != "1" {
		t.Error("Spec() must return a copy")
	}
}

func TestMount_ChildOptionsFactory(t *testing.T) {
	ctx := testContext(t)
	var gotPrefix string
	factory := func(prefix string) *mcp.ClientOptions {
		gotPrefix = prefix
		return &mcp.ClientOptions{}
	}

	m := New(Config{Prefix: "kids"})
	if _, err := m.SetupInProc(ctx, newEchoServer(), factory); err != nil {
		t.Fatalf("SetupInProc() error = %v", err)
	}
	defer m.Cleanup()
	if gotPrefix != "kids" {
		t.Errorf("factory prefix = %q, want kids", gotPrefix)
	}
}

func TestMount_SetupAbortedClosesResources(t *testing.T) {
	ctx := testContext(t)
	m := New(Config{Prefix: "broken"})
	boom := errors.New("dial failed")

	res, err := m.SetupExternal(ctx, ServerSpec{Command: "srv"}, func(ServerSpec) (mcp.Transport, error) {
		return nil, boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("SetupExternal() error = %v, want %v", err, boom)
	}
	if res != SetupAborted {
		t.Errorf("result = %v, want %v", res, SetupAborted)
	}
	if m.State() != StateFailed || !errors.Is(m.Err(), boom) {
		t.Errorf("state = %v, Err() = %v; want FAILED with cause", m.State(), m.Err())
	}
	if m.stack != nil {
		t.Error("aborted setup must not keep a stack")
	}
}

func TestMount_SetupFailedKeepsStack(t *testing.T) {
	ctx := testContext(t)
	logger, logs := observedLogger()
	m := New(Config{Prefix: "nohandshake", Logger: logger})
	m.verify = func(*mcp.ClientSession) error { return ErrInitializeMissing }

	res, err := m.SetupInProc(ctx, newEchoServer(), nil)
	if err != nil {
		t.Fatalf("SetupInProc() error = %v, want nil for recorded failure", err)
	}
	if res != SetupFailed {
		t.Fatalf("result = %v, want %v", res, SetupFailed)
	}
	if !errors.Is(m.Err(), ErrInitializeMissing) {
		t.Errorf("Err() = %v, want %v", m.Err(), ErrInitializeMissing)
	}
	if m.stack == nil || m.stack.Len() == 0 {
		t.Error("failed setup must keep its resources for cleanup")
	}
	if logs.FilterMessage("handshake not verified").Len() != 1 {
		t.Error("expected handshake warning")
	}

	m.Cleanup()
	if m.State() != StateClosed {
		t.Errorf("State() = %v after Cleanup, want CLOSED", m.State())
	}
}

func TestMount_SecondSetupFails(t *testing.T) {
	ctx := testContext(t)

	active := New(Config{Prefix: "a"})
	if _, err := active.SetupInProc(ctx, newEchoServer(), nil); err != nil {
		t.Fatalf("SetupInProc() error = %v", err)
	}
	defer active.Cleanup()

	failed := New(Config{Prefix: "f"})
	_, _ = failed.SetupExternal(ctx, ServerSpec{}, func(ServerSpec) (mcp.Transport, error) {
		return nil, errors.New("nope")
	}, nil)

	for _, m := range []*Mount{active, failed} {
		before := m.State()
		res, err := m.SetupInProc(ctx, newEchoServer(), nil)
		if !errors.Is(err, ErrAlreadySetUp) {
			t.Errorf("%s: second setup error = %v, want %v", m.Prefix(), err, ErrAlreadySetUp)
		}
		if res != SetupAborted {
			t.Errorf("%s: result = %v, want %v", m.Prefix(), res, SetupAborted)
		}
		if m.State() != before {
			t.Errorf("%s: state changed %v -> %v", m.Prefix(), before, m.State())
		}
	}
}

func TestMount_SetupAfterCleanupFails(t *testing.T) {
	m := New(Config{Prefix: "gone"})
	m.Cleanup()
	_, err := m.SetupInProc(testContext(t), newEchoServer(), nil)
	if !errors.Is(err, ErrAlreadySetUp) {
		t.Errorf("setup after cleanup error = %v, want %v", err, ErrAlreadySetUp)
	}
}

func TestMount_CleanupIdempotent(t *testing.T) {
	ctx := testContext(t)

	tests := []struct {
		name  string
		setup func(m *Mount)
	}{
		{name: "pending", setup: func(*Mount) {}},
		{name: "active", setup: func(m *Mount) {
			_, _ = m.SetupInProc(ctx, newEchoServer(), nil)
		}},
		{name: "failed", setup: func(m *Mount) {
			_, _ = m.SetupExternal(ctx, ServerSpec{}, func(ServerSpec) (mcp.Transport, error) {
				return nil, errors.New("nope")
			}, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Config{Prefix: tt.name})
			tt.setup(m)
			m.Cleanup()
			m.Cleanup()
			if m.State() != StateClosed {
				t.Errorf("State() = %v, want CLOSED", m.State())
			}
			if m.Err() != nil {
				t.Errorf("Err() = %v after Cleanup, want nil", m.Err())
			}
		})
	}
}

func TestMount_CleanupPendingWarns(t *testing.T) {
	logger, logs := observedLogger()
	m := New(Config{Prefix: "idle", Logger: logger})
	m.Cleanup()

	entries := logs.FilterMessage("cleaning up mount that was never set up").All()
	if len(entries) != 1 {
		t.Fatalf("warnings = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", entries[0].Level)
	}
	if entries[0].ContextMap()["prefix"] != "idle" {
		t.Errorf("prefix field = %v", entries[0].ContextMap()["prefix"])
	}
}

func TestMount_CleanupSwallowsCloseErrors(t *testing.T) {
	ctx := testContext(t)
	logger, logs := observedLogger()
	m := New(Config{Prefix: "leaky", Logger: logger})
	if _, err := m.SetupInProc(ctx, newEchoServer(), nil); err != nil {
		t.Fatalf("SetupInProc() error = %v", err)
	}
	m.stack.Push(func() error { return errors.New("close exploded") })

	m.Cleanup()
	if m.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", m.State())
	}
	if logs.FilterMessage("mount cleanup failed").Len() != 1 {
		t.Error("expected close error to be logged")
	}
}

func TestMount_AccessorsRequireActive(t *testing.T) {
	m := New(Config{Prefix: "x"})
	if _, err := m.Proxy(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Proxy() on pending error = %v, want %v", err, ErrNotActive)
	}

	if _, err := m.SetupInProc(testContext(t), newEchoServer(), nil); err != nil {
		t.Fatalf("SetupInProc() error = %v", err)
	}
	m.Cleanup()

	if _, err := m.ClientSession(); !errors.Is(err, ErrNotActive) {
		t.Errorf("ClientSession() on closed error = %v, want %v", err, ErrNotActive)
	}
	if _, err := m.Proxy(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Proxy() on closed error = %v, want %v", err, ErrNotActive)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StatePending: "PENDING",
		StateActive:  "ACTIVE",
		StateFailed:  "FAILED",
		StateClosed:  "CLOSED",
		State(42):    "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
