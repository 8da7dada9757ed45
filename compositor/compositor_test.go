package compositor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolmount/mount"
	"github.com/jonwraymond/toolmount/toolset"
)

var _ toolset.Caller = (*Handle[*echoServer])(nil)

func TestValidatePrefix(t *testing.T) {
	tests := []struct {
		prefix string
		valid  bool
	}{
		{"docker", true},
		{"runtime_2", true},
		{"a", true},
		{"", false},
		{"Docker", false},
		{"2fast", false},
		{"with-dash", false},
		{"with.dot", false},
		{"_lead", false},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			err := ValidatePrefix(tt.prefix)
			if tt.valid && err != nil {
				t.Errorf("ValidatePrefix(%q) error = %v", tt.prefix, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidPrefix) {
				t.Errorf("ValidatePrefix(%q) error = %v, want %v", tt.prefix, err, ErrInvalidPrefix)
			}
		})
	}
}

func TestSplitQualifiedName(t *testing.T) {
	tests := []struct {
		name       string
		wantPrefix string
		wantTool   string
		wantErr    bool
	}{
		{"docker.exec", "docker", "exec", false},
		{"fs.read.all", "fs", "read.all", false},
		{"noprefix", "", "", true},
		{".tool", "", "", true},
		{"prefix.", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, tool, err := SplitQualifiedName(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToolName) {
					t.Errorf("error = %v, want %v", err, ErrInvalidToolName)
				}
				return
			}
			if err != nil || prefix != tt.wantPrefix || tool != tt.wantTool {
				t.Errorf("SplitQualifiedName(%q) = %q, %q, %v", tt.name, prefix, tool, err)
			}
		})
	}
}

func TestCompositor_Lifecycle(t *testing.T) {
	ctx := testContext(t)
	c := New(Config{Name: "agent"})
	if c.State() != StateCreated {
		t.Fatalf("State() = %v, want CREATED", c.State())
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("State() = %v, want ACTIVE", c.State())
	}
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}

	meta, ok := c.Mount(MetaPrefix)
	if !ok || !meta.Pinned() || !meta.IsActive() {
		t.Fatalf("meta mount = %v, %v; want pinned and active", meta, ok)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", c.State())
	}
	if meta.State() != mount.StateClosed {
		t.Errorf("meta state = %v, want CLOSED", meta.State())
	}
	if len(c.Names()) != 0 {
		t.Errorf("Names() = %v after Shutdown", c.Names())
	}

	if err := c.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Shutdown error = %v, want %v", err, ErrClosed)
	}
	if _, err := MountInProc(ctx, c, "late", newEchoServer(t, "late"), false); !errors.Is(err, ErrClosed) {
		t.Errorf("MountInProc() after Shutdown error = %v, want %v", err, ErrClosed)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("Close() after Shutdown error = %v, want %v", err, ErrClosed)
	}
	if err := c.Unmount("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Unmount() after Shutdown error = %v, want %v", err, ErrClosed)
	}
}

func TestMountInProc_TypedHandle(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})

	h, err := MountInProc(ctx, c, "echo", newEchoServer(t, "echo"), false)
	if err != nil {
		t.Fatalf("MountInProc() error = %v", err)
	}
	if h.Prefix() != "echo" || h.Mount().State() != mount.StateActive {
		t.Fatalf("handle = %s/%v", h.Prefix(), h.Mount().State())
	}

	out, err := h.Server().Echo().Call(ctx, h, echoInput{Message: "hi"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out.Message != "hi" {
		t.Errorf("Message = %q, want hi", out.Message)
	}

	if srv := c.InProcServers()["echo"]; srv != h.Server().MCPServer() {
		t.Error("InProcServers() did not include the mounted server")
	}
	if _, err := c.ChildClient("echo"); err != nil {
		t.Errorf("ChildClient() error = %v", err)
	}
}

func TestMountInProc_Rejects(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})

	if _, err := MountInProc(ctx, c, "echo", newEchoServer(t, "a"), false); err != nil {
		t.Fatalf("MountInProc() error = %v", err)
	}
	if _, err := MountInProc(ctx, c, "echo", newEchoServer(t, "b"), false); !errors.Is(err, ErrMountExists) {
		t.Errorf("duplicate error = %v, want %v", err, ErrMountExists)
	}
	if _, err := MountInProc(ctx, c, "Bad-Name", newEchoServer(t, "c"), false); !errors.Is(err, ErrInvalidPrefix) {
		t.Errorf("invalid prefix error = %v, want %v", err, ErrInvalidPrefix)
	}
	if _, err := MountInProc(ctx, c, MetaPrefix, newEchoServer(t, "d"), false); !errors.Is(err, ErrMountExists) {
		t.Errorf("meta prefix error = %v, want %v", err, ErrMountExists)
	}
}

func TestMountServer(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})

	spec := mount.ServerSpec{Command: "echo-server --stdio"}
	m, err := c.MountServer(ctx, "ext", spec)
	if err != nil {
		t.Fatalf("MountServer() error = %v", err)
	}
	if !m.IsActive() {
		t.Fatalf("state = %v, want ACTIVE", m.State())
	}
	if got := c.MountSpecs(); !reflect.DeepEqual(got, map[string]mount.ServerSpec{"ext": spec}) {
		t.Errorf("MountSpecs() = %v", got)
	}

	res, err := c.CallTool(ctx, "ext.echo", map[string]any{"message": "remote"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if text := toolset.ResultText(res); !strings.Contains(text, "remote") {
		t.Errorf("result text = %q", text)
	}
}

func TestMountServer_AbortedIsNotRegistered(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})

	_, err := c.MountServer(ctx, "broken", mount.ServerSpec{Command: "fail"})
	if err == nil {
		t.Fatal("MountServer() should fail")
	}
	if _, ok := c.Mount("broken"); ok {
		t.Error("aborted mount must not be registered")
	}
	if _, err := c.MountServer(ctx, "broken", mount.ServerSpec{Command: "ok"}); err != nil {
		t.Errorf("name should be free after aborted mount: %v", err)
	}
}

func TestMountServer_PinnedSpec(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})

	if _, err := c.MountServer(ctx, "keep", mount.ServerSpec{Command: "srv", Pinned: true}); err != nil {
		t.Fatalf("MountServer() error = %v", err)
	}
	if err := c.Unmount("keep"); !errors.Is(err, ErrPinned) {
		t.Errorf("Unmount() error = %v, want %v", err, ErrPinned)
	}
}

func TestCompositor_CallToolRouting(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})
	if _, err := MountInProc(ctx, c, "echo", newEchoServer(t, "echo"), false); err != nil {
		t.Fatalf("MountInProc() error = %v", err)
	}

	tests := []struct {
		name    string
		tool    string
		wantErr error
	}{
		{"routed", "echo.echo", nil},
		{"unknown prefix", "nope.echo", ErrMountNotFound},
		{"unqualified", "echo", ErrInvalidToolName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.CallTool(ctx, tt.tool, map[string]any{"message": "x"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("CallTool(%q) error = %v, want %v", tt.tool, err, tt.wantErr)
				}
				return
			}
			if err != nil || res.IsError {
				t.Errorf("CallTool(%q) = %v, %v", tt.tool, res, err)
			}
		})
	}
}

func TestCompositor_Unmount(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})
	h, err := MountInProc(ctx, c, "echo", newEchoServer(t, "echo"), false)
	if err != nil {
		t.Fatalf("MountInProc() error = %v", err)
	}

	if err := c.Unmount(MetaPrefix); !errors.Is(err, ErrPinned) {
		t.Errorf("Unmount(meta) error = %v, want %v", err, ErrPinned)
	}
	if err := c.Unmount("missing"); !errors.Is(err, ErrMountNotFound) {
		t.Errorf("Unmount(missing) error = %v, want %v", err, ErrMountNotFound)
	}

	if err := c.Unmount("echo"); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if h.Mount().State() != mount.StateClosed {
		t.Errorf("mount state = %v, want CLOSED", h.Mount().State())
	}
	if _, err := c.CallTool(ctx, "echo.echo", nil); !errors.Is(err, ErrMountNotFound) {
		t.Errorf("CallTool after Unmount error = %v, want %v", err, ErrMountNotFound)
	}
	for _, tool := range c.Tools() {
		if tool.Namespace == "echo" {
			t.Errorf("catalog still has %s", tool.Name)
		}
	}
}

// brokenIndex rejects every registration.
type brokenIndex struct {
	index.Index
	err error
}

func (b brokenIndex) RegisterToolsFromMCP(string, []model.Tool) error { return b.err }

func TestCompositor_UnmountLogsIndexFailure(t *testing.T) {
	ctx := testContext(t)
	logger, logs := observedLogger()
	c := newStarted(t, Config{Logger: logger})
	for _, prefix := range []string{"echo", "other"} {
		if _, err := MountInProc(ctx, c, prefix, newEchoServer(t, prefix), false); err != nil {
			t.Fatalf("MountInProc(%s) error = %v", prefix, err)
		}
	}

	c.catalog.mu.Lock()
	c.catalog.newIndex = func() index.Index { return brokenIndex{err: errors.New("disk full")} }
	c.catalog.mu.Unlock()

	if err := c.Unmount("echo"); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	entries := logs.FilterMessage("rebuild tool index").All()
	if len(entries) != 1 {
		t.Fatalf("got %d index failure entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["prefix"]; got != "echo" {
		t.Errorf("prefix field = %v, want echo", got)
	}
	for _, tool := range c.Tools() {
		if tool.Namespace == "echo" {
			t.Errorf("catalog still has %s", tool.Name)
		}
	}
}

func TestCompositor_CloseKeepsPinned(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})
	if _, err := MountInProc(ctx, c, "temp", newEchoServer(t, "temp"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := MountInProc(ctx, c, "keep", newEchoServer(t, "keep"), true); err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if want := []string{MetaPrefix, "keep"}; !reflect.DeepEqual(c.Names(), want) {
		t.Errorf("Names() = %v, want %v", c.Names(), want)
	}
	if c.State() != StateActive {
		t.Errorf("State() = %v, want ACTIVE after Close", c.State())
	}
}

func TestCompositor_ShutdownReverseOrder(t *testing.T) {
	ctx := testContext(t)
	logger, logs := observedLogger()
	c := New(Config{Logger: logger})
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"first", "second", "third"} {
		if _, err := MountInProc(ctx, c, name, newEchoServer(t, name), name == "second"); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	var order []string
	for _, entry := range logs.FilterMessage("server unmounted").All() {
		order = append(order, entry.ContextMap()["prefix"].(string))
	}
	want := []string{"third", "first", "second", MetaPrefix}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("unmount order = %v, want %v", order, want)
	}
}

func TestCompositor_AggregateServer(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{Name: "agent"})
	if _, err := MountInProc(ctx, c, "echo", newEchoServer(t, "echo"), false); err != nil {
		t.Fatal(err)
	}

	cs := connectClient(t, c.Server())
	names := toolNames(t, cs)
	for _, want := range []string{"echo.echo", "compositor.servers", "compositor.search"} {
		if !names[want] {
			t.Errorf("aggregate tools %v missing %s", names, want)
		}
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "echo.echo", Arguments: map[string]any{"message": "via aggregate"}})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	var out echoOutput
	if err := toolset.DecodeOutput(res, &out); err != nil || out.Message != "via aggregate" {
		t.Errorf("output = %+v, %v", out, err)
	}

	if err := c.Unmount("echo"); err != nil {
		t.Fatal(err)
	}
	if toolNames(t, cs)["echo.echo"] {
		t.Error("echo.echo still listed after Unmount")
	}

	read, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: InstructionsURI})
	if err != nil {
		t.Fatalf("ReadResource() error = %v", err)
	}
	if !strings.Contains(read.Contents[0].Text, "Compositor (`compositor`): active") {
		t.Errorf("instructions = %q", read.Contents[0].Text)
	}
}

func TestCompositor_MetaTools(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})
	if _, err := MountInProc(ctx, c, "echo", newEchoServer(t, "echo"), false); err != nil {
		t.Fatal(err)
	}

	var servers ServersOutput
	res, err := c.CallTool(ctx, "compositor.servers", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if err := toolset.DecodeOutput(res, &servers); err != nil {
		t.Fatalf("DecodeOutput() error = %v", err)
	}
	if len(servers.Servers) != 2 {
		t.Fatalf("servers = %+v, want compositor and echo", servers.Servers)
	}
	echo := servers.Servers[1]
	if echo.Prefix != "echo" || echo.State != "ACTIVE" || echo.Server != "echo" {
		t.Errorf("echo entry = %+v", echo)
	}
	if !reflect.DeepEqual(echo.Tools, []string{"echo.echo"}) {
		t.Errorf("echo tools = %v", echo.Tools)
	}

	results, err := c.Search("echo", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	found := false
	for _, r := range results {
		if r.Name == "echo.echo" && r.Prefix == "echo" && r.Tool == "echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("Search() = %+v, want echo.echo", results)
	}
}

func TestCompositor_ToolListChanged(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{})
	srv := newEchoServer(t, "echo")
	if _, err := MountInProc(ctx, c, "echo", srv, false); err != nil {
		t.Fatal(err)
	}

	changed := make(chan string, 4)
	c.AddListener(func(_ context.Context, prefix string, ev Event) error {
		if ev == EventToolsChanged {
			changed <- prefix
		}
		return nil
	})

	_, err := toolset.Add(srv.set, toolset.Def{Name: "shout", Description: "Shout a message"},
		func(_ context.Context, in echoInput) (echoOutput, error) {
			return echoOutput{Message: strings.ToUpper(in.Message)}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		for _, tool := range c.Tools() {
			if tool.Namespace == "echo" && tool.Name == "shout" {
				return true
			}
		}
		return false
	}, "catalog never picked up echo.shout")

	if prefix := <-changed; prefix != "echo" {
		t.Errorf("tools changed prefix = %q, want echo", prefix)
	}
}

func TestCompositor_Instructions(t *testing.T) {
	ctx := testContext(t)
	c := newStarted(t, Config{Name: "agent_shell"})
	if _, err := MountInProc(ctx, c, "code_review", newEchoServer(t, "review"), true); err != nil {
		t.Fatal(err)
	}

	got := c.Instructions()
	for _, want := range []string{"# Agent Shell", "- Code Review (`code_review`): active, 1 tools, pinned"} {
		if !strings.Contains(got, want) {
			t.Errorf("Instructions() missing %q:\n%s", want, got)
		}
	}
}
