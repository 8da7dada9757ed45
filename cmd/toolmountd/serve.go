package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/toolmount/compositor"
	"github.com/jonwraymond/toolmount/execserver"
	"github.com/jonwraymond/toolmount/mount"
	"github.com/jonwraymond/toolmount/runtime"
	"github.com/jonwraymond/toolmount/runtime/backend/docker"
	"github.com/jonwraymond/toolmount/runtime/backend/host"
)

const (
	listenKey        = "listen"
	mountsKey        = "mounts"
	nameKey          = "name"
	hostExecKey      = "host-exec"
	dockerImageKey   = "docker.image"
	dockerNetworkKey = "docker.network"
	dockerWorkdirKey = "docker.workdir"
	dockerBindsKey   = "docker.binds"
)

// shutdownTimeout bounds HTTP drain and compositor teardown.
const shutdownTimeout = 15 * time.Second

// reloadDebounce coalesces bursts of writes to the mounts file.
const reloadDebounce = 250 * time.Millisecond

type serveConfig struct {
	Listen        string
	MountsPath    string
	Name          string
	HostExec      bool
	DockerImage   string
	DockerNetwork string
	DockerWorkdir string
	DockerBinds   []string
}

func (a *app) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the compositor over streamable HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a.serveConfig(), a.logger)
		},
	}

	flags := cmd.Flags()
	flags.StringP("listen", "l", "127.0.0.1:8765", "listen address; MCP is served at /mcp and metrics at /metrics")
	flags.StringP("mounts", "m", "", "YAML mounts file, reloaded on change")
	flags.String("name", "toolmount", "server name advertised to clients")
	flags.Bool("host-exec", false, "mount an exec server running commands on this host under \"runtime\"")
	flags.String("docker-image", "", "start a session container from this image and mount its exec server under \"docker\"")
	flags.String("docker-network", docker.DefaultNetworkMode, "network mode of the session container")
	flags.String("docker-workdir", "", "default working directory inside the session container")
	flags.StringSlice("docker-bind", nil, "bind mount for the session container (src:dst[:ro]), repeatable")

	a.mustBindFlag(listenKey, flags.Lookup("listen"))
	a.mustBindFlag(mountsKey, flags.Lookup("mounts"))
	a.mustBindFlag(nameKey, flags.Lookup("name"))
	a.mustBindFlag(hostExecKey, flags.Lookup("host-exec"))
	a.mustBindFlag(dockerImageKey, flags.Lookup("docker-image"))
	a.mustBindFlag(dockerNetworkKey, flags.Lookup("docker-network"))
	a.mustBindFlag(dockerWorkdirKey, flags.Lookup("docker-workdir"))
	a.mustBindFlag(dockerBindsKey, flags.Lookup("docker-bind"))
	return cmd
}

func (a *app) serveConfig() serveConfig {
	return serveConfig{
		Listen:        strings.TrimSpace(a.v.GetString(listenKey)),
		MountsPath:    strings.TrimSpace(a.v.GetString(mountsKey)),
		Name:          a.v.GetString(nameKey),
		HostExec:      a.v.GetBool(hostExecKey),
		DockerImage:   strings.TrimSpace(a.v.GetString(dockerImageKey)),
		DockerNetwork: a.v.GetString(dockerNetworkKey),
		DockerWorkdir: a.v.GetString(dockerWorkdirKey),
		DockerBinds:   a.v.GetStringSlice(dockerBindsKey),
	}
}

func runServe(ctx context.Context, cfg serveConfig, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := runtime.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// The container is removed after the compositor teardown below, so the
	// exec server mounted on it is gone first.
	var session *docker.Session
	if cfg.DockerImage != "" {
		session, err = startDockerSession(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := session.Close(closeCtx); err != nil {
				logger.Warn("session container not removed", zap.Error(err))
			}
		}()
	}

	c := compositor.New(compositor.Config{Name: cfg.Name, Logger: logger})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Warn("compositor shutdown incomplete", zap.Error(err))
		}
	}()

	if cfg.HostExec {
		runner := runtime.New(runtime.Config{
			Spawner: host.New(host.Config{Logger: logger}),
			Logger:  logger,
			Metrics: metrics,
		})
		if err := mountExecServer(ctx, c, execserver.RuntimePrefix, execserver.Config{Runner: runner, Logger: logger}); err != nil {
			return err
		}
	}

	if session != nil {
		runner := runtime.New(runtime.Config{Spawner: session, Logger: logger, Metrics: metrics})
		if err := mountExecServer(ctx, c, execserver.DockerPrefix, execserver.Config{Runner: runner, Container: session, Logger: logger}); err != nil {
			return err
		}
	}

	var servers mount.ServersConfig
	if cfg.MountsPath != "" {
		if servers, err = mount.LoadServersConfig(cfg.MountsPath); err != nil {
			return err
		}
		if err := c.MountFromConfig(ctx, servers); err != nil {
			logger.Warn("some servers failed to mount", zap.Error(err))
		}
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MountsPath != "" {
		g.Go(func() error {
			return watchFile(gctx, cfg.MountsPath, reloadDebounce, logger, func() {
				reloadMounts(gctx, c, cfg.MountsPath, logger)
			})
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return c.Server()
	}, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("serving", zap.String("listen", ln.Addr().String()), zap.Strings("mounts", c.Names()))

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func startDockerSession(ctx context.Context, cfg serveConfig, logger *zap.Logger) (*docker.Session, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return docker.Start(ctx, docker.Config{
		Client:      cli,
		Image:       cfg.DockerImage,
		WorkingDir:  cfg.DockerWorkdir,
		NetworkMode: cfg.DockerNetwork,
		Binds:       cfg.DockerBinds,
		Logger:      logger,
	})
}

func mountExecServer(ctx context.Context, c *compositor.Compositor, prefix string, cfg execserver.Config) error {
	srv, err := execserver.New(cfg)
	if err != nil {
		return err
	}
	if _, err := compositor.MountInProc(ctx, c, prefix, srv, true); err != nil {
		return fmt.Errorf("mount %s: %w", prefix, err)
	}
	return nil
}

func reloadMounts(ctx context.Context, c *compositor.Compositor, path string, logger *zap.Logger) {
	servers, err := mount.LoadServersConfig(path)
	if err != nil {
		logger.Warn("mounts file rejected", zap.String("path", path), zap.Error(err))
		return
	}
	if err := c.Reconcile(ctx, servers); err != nil {
		logger.Warn("mounts reload incomplete", zap.Error(err))
	}
}
