package compositor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolmount/mount"
)

// Errors for compositor operations.
var (
	ErrInvalidPrefix    = errors.New("invalid mount prefix")
	ErrMountExists      = errors.New("server already mounted")
	ErrMountNotFound    = errors.New("server not mounted")
	ErrPinned           = errors.New("server is pinned")
	ErrClosed           = errors.New("compositor closed")
	ErrAlreadyStarted   = errors.New("compositor already started")
	ErrInvalidToolName  = errors.New("invalid qualified tool name")
	ErrInvalidServerArg = errors.New("invalid server")
)

// State is the lifecycle state of a compositor.
type State int

// Compositor states.
const (
	StateCreated State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidatePrefix checks a mount name.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidPrefix, prefix, prefixPattern)
	}
	return nil
}

// QualifiedName joins a mount prefix and a tool name.
func QualifiedName(prefix, tool string) string {
	return prefix + "." + tool
}

// SplitQualifiedName splits "<prefix>.<tool>" at the first dot.
func SplitQualifiedName(name string) (prefix, tool string, err error) {
	prefix, tool, ok := strings.Cut(name, ".")
	if !ok || prefix == "" || tool == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	return prefix, tool, nil
}

// MetaPrefix is the pinned mount that Start adds.
const MetaPrefix = "compositor"

// Config configures a Compositor.
type Config struct {
	// Name is the aggregate server implementation name.
	// Default: "toolmount"
	Name string

	// Version is the aggregate server implementation version.
	// Default: mount.Version
	Version string

	// Logger is an optional logger.
	// Default: zap.NewNop()
	Logger *zap.Logger

	// TransportFactory builds transports for external servers.
	// Default: mount.DefaultTransportFactory
	TransportFactory mount.TransportFactory

	// ChildOptions adds client options for each child. Tool list change
	// notifications are always observed by the compositor as well.
	ChildOptions mount.ChildOptionsFactory
}

// Compositor owns named mounts.
//
// Contract:
//   - Concurrency: safe for concurrent use. Calls to different mounts are
//     not serialized.
//   - Ownership: each mount is closed only by the compositor.
type Compositor struct {
	name      string
	version   string
	logger    *zap.Logger
	factory   mount.TransportFactory
	childOpts mount.ChildOptionsFactory

	mu       sync.RWMutex
	state    State
	mounts   map[string]*mount.Mount
	order    []string
	reserved map[string]struct{}

	lmu       sync.RWMutex
	listeners []Listener

	taskMu      sync.Mutex
	tasks       errgroup.Group
	tasksClosed bool
	taskCtx     context.Context
	cancelTasks context.CancelFunc

	catalog   *catalog
	aggregate *aggregate
}

// New creates a compositor in the CREATED state.
func New(cfg Config) *Compositor {
	if cfg.Name == "" {
		cfg.Name = "toolmount"
	}
	if cfg.Version == "" {
		cfg.Version = mount.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TransportFactory == nil {
		cfg.TransportFactory = mount.DefaultTransportFactory
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	c := &Compositor{
		name:        cfg.Name,
		version:     cfg.Version,
		logger:      cfg.Logger.Named("compositor"),
		factory:     cfg.TransportFactory,
		childOpts:   cfg.ChildOptions,
		mounts:      make(map[string]*mount.Mount),
		reserved:    make(map[string]struct{}),
		taskCtx:     taskCtx,
		cancelTasks: cancel,
		catalog:     newCatalog(),
	}
	c.aggregate = newAggregate(c)
	return c
}

// Name returns the compositor name.
func (c *Compositor) Name() string { return c.name }

// State returns the lifecycle state.
func (c *Compositor) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start activates the compositor and mounts the pinned meta server.
func (c *Compositor) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateActive:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateActive
	c.mu.Unlock()

	if _, err := MountInProc(ctx, c, MetaPrefix, newMetaServer(c), true); err != nil {
		return fmt.Errorf("mount %s: %w", MetaPrefix, err)
	}
	c.logger.Info("compositor started", zap.String("name", c.name))
	return nil
}

// MountServer mounts an external server described by spec under name.
// A spec with Pinned set produces a pinned mount.
func (c *Compositor) MountServer(ctx context.Context, name string, spec mount.ServerSpec) (*mount.Mount, error) {
	if err := c.reserve(name); err != nil {
		return nil, err
	}
	m := mount.New(mount.Config{Prefix: name, Pinned: spec.Pinned, Logger: c.logger})
	if _, err := m.SetupExternal(ctx, spec, c.factory, c.childOptions); err != nil {
		c.release(name)
		return nil, err
	}
	if err := c.register(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// mountInProc mounts server under prefix.
func (c *Compositor) mountInProc(ctx context.Context, prefix string, server *mcp.Server, pinned bool) (*mount.Mount, error) {
	if server == nil {
		return nil, ErrInvalidServerArg
	}
	if err := c.reserve(prefix); err != nil {
		return nil, err
	}
	m := mount.New(mount.Config{Prefix: prefix, Pinned: pinned, Logger: c.logger})
	if _, err := m.SetupInProc(ctx, server, c.childOptions); err != nil {
		c.release(prefix)
		return nil, err
	}
	if err := c.register(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Compositor) reserve(name string) error {
	if err := ValidatePrefix(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	if _, ok := c.mounts[name]; ok {
		return fmt.Errorf("%w: %s", ErrMountExists, name)
	}
	if _, ok := c.reserved[name]; ok {
		return fmt.Errorf("%w: %s", ErrMountExists, name)
	}
	c.reserved[name] = struct{}{}
	return nil
}

func (c *Compositor) release(name string) {
	c.mu.Lock()
	delete(c.reserved, name)
	c.mu.Unlock()
}

// register stores a set-up mount and publishes its tools.
func (c *Compositor) register(ctx context.Context, m *mount.Mount) error {
	prefix := m.Prefix()

	c.mu.Lock()
	delete(c.reserved, prefix)
	if c.state == StateClosed {
		c.mu.Unlock()
		m.Cleanup()
		return ErrClosed
	}
	c.mounts[prefix] = m
	c.order = append(c.order, prefix)
	c.mu.Unlock()

	if !m.IsActive() {
		c.logger.Warn("server mounted in failed state", zap.String("prefix", prefix), zap.Error(m.Err()))
		c.notify(prefix, EventState)
		return nil
	}
	if err := c.refreshTools(ctx, prefix); err != nil {
		c.logger.Warn("list tools after mount", zap.String("prefix", prefix), zap.Error(err))
	}
	c.logger.Info("server mounted", zap.String("prefix", prefix), zap.Bool("pinned", m.Pinned()))
	c.notify(prefix, EventState)
	c.notify(prefix, EventMounted)
	return nil
}

// Unmount cleans up and removes a non-pinned mount.
func (c *Compositor) Unmount(name string) error {
	return c.unmount(name, false)
}

func (c *Compositor) unmount(name string, allowPinned bool) error {
	c.mu.Lock()
	if c.state == StateClosed && !allowPinned {
		c.mu.Unlock()
		return ErrClosed
	}
	m, ok := c.mounts[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMountNotFound, name)
	}
	if m.Pinned() && !allowPinned {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPinned, name)
	}
	delete(c.mounts, name)
	c.order = slices.DeleteFunc(c.order, func(p string) bool { return p == name })
	c.mu.Unlock()

	if state := m.State(); state != mount.StateActive && state != mount.StateFailed {
		c.logger.Warn("unmounting server in unexpected state", zap.String("prefix", name), zap.Stringer("state", state))
	}
	if err := c.catalog.remove(name); err != nil {
		c.logger.Warn("rebuild tool index", zap.String("prefix", name), zap.Error(err))
	}
	c.aggregate.removePrefix(name)
	m.Cleanup()

	c.logger.Info("server unmounted", zap.String("prefix", name))
	c.notify(name, EventUnmounted)
	return nil
}

// Close unmounts every non-pinned mount in reverse mount order.
// Cleanup failures are logged, not returned.
func (c *Compositor) Close() error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.unmountAll(false)
	return nil
}

// Shutdown unmounts everything, joins background tasks and closes the
// compositor. It is safe to call more than once.
func (c *Compositor) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.unmountAll(false)
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.unmountAll(true)

	c.taskMu.Lock()
	c.tasksClosed = true
	c.taskMu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = c.tasks.Wait()
		close(done)
	}()
	defer c.cancelTasks()

	select {
	case <-done:
		c.logger.Info("compositor closed", zap.String("name", c.name))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

func (c *Compositor) unmountAll(pinned bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		if m := c.mounts[c.order[i]]; m.Pinned() == pinned {
			names = append(names, c.order[i])
		}
	}
	c.mu.RUnlock()

	var errs error
	for _, name := range names {
		errs = multierr.Append(errs, c.unmount(name, pinned))
	}
	if errs != nil {
		c.logger.Error("unmount during teardown", zap.Bool("pinned", pinned), zap.Error(errs))
	}
}

// Mount returns the mount registered under name.
func (c *Compositor) Mount(name string) (*mount.Mount, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.mounts[name]
	return m, ok
}

// Names returns mounted prefixes sorted for deterministic output.
func (c *Compositor) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.mounts))
	for name := range c.mounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MountSpecs returns the specs of external mounts keyed by prefix.
func (c *Compositor) MountSpecs() map[string]mount.ServerSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]mount.ServerSpec)
	for name, m := range c.mounts {
		if spec := m.Spec(); spec != nil {
			out[name] = *spec
		}
	}
	return out
}

// InProcServers returns the in-process servers keyed by prefix.
func (c *Compositor) InProcServers() map[string]*mcp.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*mcp.Server)
	for name, m := range c.mounts {
		if srv := m.InProcServer(); srv != nil {
			out[name] = srv
		}
	}
	return out
}

func (c *Compositor) proxy(prefix string) (*mount.Proxy, error) {
	m, ok := c.Mount(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMountNotFound, prefix)
	}
	return m.Proxy()
}

// ChildClient returns the client session of an active mount.
func (c *Compositor) ChildClient(prefix string) (*mcp.ClientSession, error) {
	m, ok := c.Mount(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMountNotFound, prefix)
	}
	return m.ClientSession()
}

// CallTool routes a "<prefix>.<tool>" call to the owning mount.
func (c *Compositor) CallTool(ctx context.Context, qualified string, args any) (*mcp.CallToolResult, error) {
	prefix, tool, err := SplitQualifiedName(qualified)
	if err != nil {
		return nil, err
	}
	p, err := c.proxy(prefix)
	if err != nil {
		return nil, err
	}
	return p.CallTool(ctx, tool, args)
}

// ReadResource reads uri from the mount named prefix.
func (c *Compositor) ReadResource(ctx context.Context, prefix, uri string) (*mcp.ReadResourceResult, error) {
	p, err := c.proxy(prefix)
	if err != nil {
		return nil, err
	}
	return p.ReadResource(ctx, uri)
}

// childOptions layers the tool list change hook over the configured factory.
func (c *Compositor) childOptions(prefix string) *mcp.ClientOptions {
	var opts mcp.ClientOptions
	if c.childOpts != nil {
		if custom := c.childOpts(prefix); custom != nil {
			opts = *custom
		}
	}
	next := opts.ToolListChangedHandler
	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		c.goTask(func(ctx context.Context) {
			if err := c.refreshTools(ctx, prefix); err != nil {
				c.logger.Warn("refresh tools", zap.String("prefix", prefix), zap.Error(err))
				return
			}
			c.notify(prefix, EventToolsChanged)
		})
		if next != nil {
			next(ctx, req)
		}
	}
	return &opts
}

// goTask runs fn in the compositor task group unless it has been joined.
func (c *Compositor) goTask(fn func(ctx context.Context)) {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	if c.tasksClosed {
		return
	}
	ctx := c.taskCtx
	c.tasks.Go(func() error {
		fn(ctx)
		return nil
	})
}
