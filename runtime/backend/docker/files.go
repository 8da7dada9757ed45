package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// MaxFileBytes caps the size of a file read from the session container.
const MaxFileBytes = 10 << 20

// Errors for file access.
var (
	// ErrRelativePath is returned for container paths that are not absolute.
	ErrRelativePath = errors.New("container path must be absolute")

	// ErrNotRegularFile is returned when the path names a directory or device.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrFileTooLarge is returned for files over MaxFileBytes.
	ErrFileTooLarge = errors.New("file too large")
)

// ImageInfo identifies the session image.
type ImageInfo struct {
	Name string   `json:"name"`
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

// HistoryEntry is one layer of the image history.
type HistoryEntry struct {
	ID        string   `json:"id"`
	Created   int64    `json:"created"`
	CreatedBy string   `json:"created_by"`
	Tags      []string `json:"tags,omitempty"`
	Size      int64    `json:"size"`
	Comment   string   `json:"comment,omitempty"`
}

// ContainerInfo is the session description together with what the daemon
// reports about its image. The image history records how the container
// contents were built.
type ContainerInfo struct {
	SessionID    string         `json:"session_id"`
	Image        ImageInfo      `json:"image"`
	ContainerID  string         `json:"container_id"`
	Name         string         `json:"name"`
	WorkingDir   string         `json:"working_dir,omitempty"`
	NetworkMode  string         `json:"network_mode"`
	Binds        []string       `json:"binds,omitempty"`
	ImageHistory []HistoryEntry `json:"image_history,omitempty"`
}

// ContainerInfo inspects the session image and returns the full description.
// Image details the daemon cannot provide fall back to the configured name.
func (s *Session) ContainerInfo(ctx context.Context) (ContainerInfo, error) {
	info := s.Info()
	out := ContainerInfo{
		SessionID:   info.SessionID,
		Image:       ImageInfo{Name: info.Image, ID: "unknown", Tags: []string{info.Image}},
		ContainerID: info.ContainerID,
		Name:        info.Name,
		WorkingDir:  info.WorkingDir,
		NetworkMode: info.NetworkMode,
		Binds:       info.Binds,
	}

	inspect, err := s.api.ImageInspect(ctx, info.Image)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspect image %s: %w", info.Image, err)
	}
	if inspect.ID != "" {
		out.Image.ID = inspect.ID
	}
	if len(inspect.RepoTags) > 0 {
		out.Image.Tags = inspect.RepoTags
	}

	history, err := s.api.ImageHistory(ctx, info.Image)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("image history %s: %w", info.Image, err)
	}
	for _, h := range history {
		out.ImageHistory = append(out.ImageHistory, HistoryEntry{
			ID:        h.ID,
			Created:   h.Created,
			CreatedBy: h.CreatedBy,
			Tags:      h.Tags,
			Size:      h.Size,
			Comment:   h.Comment,
		})
	}
	return out, nil
}

// Describe returns ContainerInfo as a value for the container.info resource.
func (s *Session) Describe(ctx context.Context) (any, error) {
	return s.ContainerInfo(ctx)
}

// ReadFile returns the contents of the regular file at the absolute path p
// inside the session container. A symlink is followed once. Missing files
// yield an error wrapping fs.ErrNotExist.
func (s *Session) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if !path.IsAbs(p) {
		return nil, fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	data, target, err := s.readFile(ctx, p)
	if err != nil || target == "" {
		return data, err
	}
	data, target, err = s.readFile(ctx, target)
	if err != nil {
		return nil, err
	}
	if target != "" {
		return nil, fmt.Errorf("%w: %s links to another link", ErrNotRegularFile, p)
	}
	return data, nil
}

// readFile reads p from the archive docker streams for it. When p is a
// symlink it returns the resolved target instead of data.
func (s *Session) readFile(ctx context.Context, p string) ([]byte, string, error) {
	rc, stat, err := s.api.CopyFromContainer(ctx, s.info.ContainerID, p)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, "", fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		return nil, "", fmt.Errorf("copy %s: %w", p, err)
	}
	defer rc.Close()

	switch {
	case stat.Mode&fs.ModeSymlink != 0 && stat.LinkTarget != "":
		return nil, stat.LinkTarget, nil
	case !stat.Mode.IsRegular():
		return nil, "", fmt.Errorf("%w: %s", ErrNotRegularFile, p)
	case stat.Size > MaxFileBytes:
		return nil, "", fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, p, stat.Size)
	}

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		return nil, "", fmt.Errorf("read archive of %s: %w", p, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, "", fmt.Errorf("%w: %s", ErrNotRegularFile, p)
	}
	data, err := io.ReadAll(io.LimitReader(tr, MaxFileBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", p, err)
	}
	if len(data) > MaxFileBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrFileTooLarge, p)
	}
	s.logger.Debug("file read", zap.String("path", p), zap.Int("bytes", len(data)))
	return data, "", nil
}
