package compositor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jonwraymond/toolmount/mount"
	"github.com/jonwraymond/toolmount/toolset"
)

type echoInput struct {
	Message string `json:"message"`
}

type echoOutput struct {
	Message string `json:"message"`
}

// echoServer is a typed in-process server with one tool.
type echoServer struct {
	set  *toolset.Set
	echo toolset.Ref[echoInput, echoOutput]
}

func newEchoServer(t *testing.T, name string) *echoServer {
	t.Helper()
	set := toolset.New(&mcp.Implementation{Name: name, Version: "0.0.1"}, nil)
	echo, err := toolset.Add(set, toolset.Def{Name: "echo", Description: "Echo a message back", Tags: []string{"echo"}},
		func(_ context.Context, in echoInput) (echoOutput, error) {
			return echoOutput(in), nil
		})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return &echoServer{set: set, echo: echo}
}

func (s *echoServer) MCPServer() *mcp.Server { return s.set.MCPServer() }

func (s *echoServer) Echo() toolset.Ref[echoInput, echoOutput] { return s.echo }

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

// echoFactory serves every spec with a fresh in-process echo server.
// Specs whose command is "fail" cannot connect.
func echoFactory(t *testing.T) mount.TransportFactory {
	t.Helper()
	return func(spec mount.ServerSpec) (mcp.Transport, error) {
		if spec.Command == "fail" {
			return nil, errors.New("connection refused")
		}
		srv := newEchoServer(t, "external")
		serverT, clientT := mcp.NewInMemoryTransports()
		ss, err := srv.MCPServer().Connect(context.Background(), serverT, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		return clientT, nil
	}
}

func newStarted(t *testing.T, cfg Config) *Compositor {
	t.Helper()
	if cfg.TransportFactory == nil {
		cfg.TransportFactory = echoFactory(t)
	}
	c := New(cfg)
	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func connectClient(t *testing.T, srv *mcp.Server) *mcp.ClientSession {
	t.Helper()
	ctx := testContext(t)
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Close()
	})
	return cs
}

func toolNames(t *testing.T, cs *mcp.ClientSession) map[string]bool {
	t.Helper()
	res, err := cs.ListTools(testContext(t), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	names := make(map[string]bool, len(res.Tools))
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	return names
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
