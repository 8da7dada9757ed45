package compositor

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolmount/mount"
)

// MountFromConfig mounts every server in cfg concurrently. All mounts are
// attempted; failures are combined into the returned error.
func (c *Compositor) MountFromConfig(ctx context.Context, cfg mount.ServersConfig) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, name := range cfg.Names() {
		spec := cfg.Servers[name]
		g.Go(func() error {
			if _, err := c.MountServer(ctx, name, spec); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("mount %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Reconcile makes the external mounts match cfg. Servers that disappeared
// or changed are unmounted, then new and changed servers are mounted.
// In-process and pinned mounts are left alone.
func (c *Compositor) Reconcile(ctx context.Context, cfg mount.ServersConfig) error {
	current := c.MountSpecs()

	var errs error
	for name, spec := range current {
		want, ok := cfg.Servers[name]
		if ok && reflect.DeepEqual(normalizeSpec(want), normalizeSpec(spec)) {
			continue
		}
		if spec.Pinned {
			c.logger.Warn("pinned server changed; restart to apply", zap.String("prefix", name))
			continue
		}
		if err := c.Unmount(name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unmount %s: %w", name, err))
		}
	}

	pending := mount.ServersConfig{Servers: make(map[string]mount.ServerSpec)}
	for name, spec := range cfg.Servers {
		if _, mounted := c.Mount(name); mounted {
			continue
		}
		pending.Servers[name] = spec
	}
	errs = multierr.Append(errs, c.MountFromConfig(ctx, pending))

	c.logger.Info("mounts reconciled",
		zap.Int("servers", len(cfg.Servers)),
		zap.Int("mounted", len(c.Names())),
	)
	return errs
}

// normalizeSpec treats nil and empty collections alike.
func normalizeSpec(s mount.ServerSpec) mount.ServerSpec {
	if len(s.Args) == 0 {
		s.Args = nil
	}
	if len(s.Env) == 0 {
		s.Env = nil
	}
	if len(s.Headers) == 0 {
		s.Headers = nil
	}
	return s
}
