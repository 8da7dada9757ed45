// Package docker provides a spawner that runs commands as execs inside one
// long-lived container per session.
//
// [Start] provisions the session container (created with "sleep infinity" so
// it stays up between execs) and [Session.Close] force-removes it. Each exec
// is attached without a TTY so stdout and stderr stay separate; the
// multiplexed attach stream is split with stdcopy.
//
// Docker has no API to signal an exec. Every command is therefore wrapped in a
// small sh prologue that records its PID in a file under /tmp and starts the
// command as leader of a new process group. Signals are delivered by a second
// exec running kill against that group. Before spawning, the command is
// resolved with a helper exec so a missing binary fails the spawn instead of
// surfacing as the shell's exit 127. Images must provide sh and a writable /tmp.
//
// Files are read through the archive endpoint, and [Session.ContainerInfo]
// adds the image id, tags and build history the daemon reports.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/jonwraymond/toolmount/runtime"
)

// Errors for docker backend operations.
var (
	// ErrClientNotConfigured is returned when no API client is configured.
	ErrClientNotConfigured = errors.New("docker client not configured")

	// ErrDaemonUnavailable is returned when the docker daemon is not reachable.
	ErrDaemonUnavailable = errors.New("docker daemon unavailable")

	// ErrContainerFailed is returned when the session container cannot be created or started.
	ErrContainerFailed = errors.New("container setup failed")

	// ErrSessionClosed is returned when spawning on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrCommandNotFound is returned by Spawn when the command is neither an
	// executable path nor found on PATH inside the container.
	ErrCommandNotFound = errors.New("command not found")
)

// Defaults for session containers.
const (
	DefaultImage       = "debian:bookworm-slim"
	DefaultNetworkMode = "none"

	// SessionLabel marks containers created by this package.
	SessionLabel = "io.toolmount.session"
)

// API is the subset of the docker client used by this package.
// *client.Client satisfies it.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods must honor cancellation and deadlines.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageHistory(ctx context.Context, imageID string, historyOpts ...client.ImageHistoryOption) ([]image.HistoryResponseItem, error)
}

var _ API = (*client.Client)(nil)

// NewClient connects to the daemon described by the DOCKER_* environment.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Config configures a session container.
type Config struct {
	// Client talks to the docker daemon.
	// If nil, Start returns ErrClientNotConfigured.
	Client API

	// Image is the image to run.
	// Default: DefaultImage
	Image string

	// Name is the container name.
	// Default: "toolmount-" followed by the session ID
	Name string

	// WorkingDir is the default working directory for execs.
	// Optional; the image default applies when empty.
	WorkingDir string

	// NetworkMode is the container network mode.
	// Default: DefaultNetworkMode
	NetworkMode string

	// Binds are host bind mounts in docker's "src:dst[:ro]" form.
	Binds []string

	// Labels are added to the container next to SessionLabel.
	Labels map[string]string

	// Logger is an optional logger for session events.
	Logger *zap.Logger
}

// Info describes a running session container.
type Info struct {
	SessionID   string   `json:"session_id"`
	Image       string   `json:"image"`
	ContainerID string   `json:"container_id"`
	Name        string   `json:"name"`
	WorkingDir  string   `json:"working_dir,omitempty"`
	NetworkMode string   `json:"network_mode"`
	Binds       []string `json:"binds,omitempty"`
}

// Session is one provisioned container. It implements runtime.Spawner.
type Session struct {
	api    API
	info   Info
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Start creates and starts a session container.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Client == nil {
		return nil, ErrClientNotConfigured
	}
	if _, err := cfg.Client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}

	sessionID := uuid.NewString()
	info := Info{
		SessionID:   sessionID,
		Image:       cfg.Image,
		Name:        cfg.Name,
		WorkingDir:  cfg.WorkingDir,
		NetworkMode: cfg.NetworkMode,
		Binds:       append([]string(nil), cfg.Binds...),
	}
	if info.Image == "" {
		info.Image = DefaultImage
	}
	if info.Name == "" {
		info.Name = "toolmount-" + sessionID
	}
	if info.NetworkMode == "" {
		info.NetworkMode = DefaultNetworkMode
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	labels[SessionLabel] = sessionID

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("docker").With(zap.String("session_id", sessionID))

	resp, err := cfg.Client.ContainerCreate(ctx, &container.Config{
		Image:      info.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: info.WorkingDir,
		Labels:     labels,
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(info.NetworkMode),
		Binds:       info.Binds,
		AutoRemove:  false,
	}, nil, nil, info.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrContainerFailed, info.Image, err)
	}
	info.ContainerID = resp.ID

	if err := cfg.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := cfg.Client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			logger.Warn("remove container after failed start", zap.String("container_id", resp.ID), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("%w: start: %w", ErrContainerFailed, err)
	}

	logger.Info("session container started",
		zap.String("container_id", shortID(resp.ID)),
		zap.String("image", info.Image),
		zap.String("network_mode", info.NetworkMode),
	)
	return &Session{api: cfg.Client, info: info, logger: logger}, nil
}

// Info returns the session container description.
func (s *Session) Info() Info {
	info := s.info
	info.Binds = append([]string(nil), s.info.Binds...)
	return info
}

// Kind returns runtime.BackendDocker.
func (s *Session) Kind() runtime.BackendKind {
	return runtime.BackendDocker
}

// Close force-removes the container. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.api.ContainerRemove(ctx, s.info.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(s.info.ContainerID), err)
	}
	s.logger.Info("session container removed", zap.String("container_id", shortID(s.info.ContainerID)))
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
