// Package engine wraps the Docker-compatible container-engine HTTP API in
// the typed operations the operator sub-protocol needs: build, create, run,
// stop, restart, attach and the write half of a container's stdin.
package engine

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/forgerun/invoker/internal/errtypes"
)

// VolumeMount is a host-path to container-path bind mount.
type VolumeMount struct {
	Host      string
	Container string
}

// Client talks to a single container-engine endpoint (Docker or
// Docker-API-compatible Podman) on behalf of every task's operator session.
type Client struct {
	docker *client.Client
	logger *zap.Logger

	attachMu sync.Mutex
	attaches map[string]*attachment
}

// attachment holds the live hijacked stream for one running container.
type attachment struct {
	conn   net.Conn
	reader *bufio.Reader

	mu        sync.Mutex
	onStdout  func([]byte)
	onStderr  func([]byte)
	onEnd     func()
	endClosed bool
}

// New builds a Client against endpoint, which is either a Docker host URL
// (tcp://, http://) or a Unix socket path as produced by config.Config's
// EngineEndpoint.
func New(endpoint string, logger *zap.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("engine: build client: %w", err)
	}
	return &Client{
		docker:   cli,
		logger:   logger,
		attaches: make(map[string]*attachment),
	}, nil
}

// BuildTar builds an image tagged tag from an in-memory tar archive,
// optionally rooted at a non-default dockerfilePath.
func (c *Client) BuildTar(ctx context.Context, tag string, tarData []byte, dockerfilePath string) error {
	if dockerfilePath == "" {
		dockerfilePath = "Dockerfile"
	}
	resp, err := c.docker.ImageBuild(ctx, bytesReadCloser(tarData), types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfilePath,
		Remove:     true,
	})
	if err != nil {
		return errtypes.NewEngineError("BuildTar", 0, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return errtypes.NewEngineError("BuildTar", 0, err)
	}
	return nil
}

// BuildDir packages dirPath into a gzip-compressed in-memory tar and
// delegates to BuildTar. Used when the coordinator supplies a build context
// as an extracted directory rather than a raw tar stream; the daemon's
// build endpoint sniffs and transparently decompresses a gzipped context,
// so this trades local CPU for a smaller upload when dirPath is large.
func (c *Client) BuildDir(ctx context.Context, tag, dirPath, dockerfilePath string) error {
	tarData, err := tarDirectory(dirPath)
	if err != nil {
		return errtypes.NewResourceError("BuildDir", err)
	}
	gzipped, err := gzipBytes(tarData)
	if err != nil {
		return errtypes.NewResourceError("BuildDir", err)
	}
	return c.BuildTar(ctx, tag, gzipped, dockerfilePath)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf strings.Builder
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func tarDirectory(root string) ([]byte, error) {
	var buf strings.Builder
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			hdr := &tar.Header{Name: rel + "/", Mode: 0o755, Typeflag: tar.TypeDir}
			return tw.WriteHeader(hdr)
		}
		mode := int64(0o644)
		if info.Mode()&0o111 != 0 {
			mode = 0o755
		}
		hdr := &tar.Header{Name: rel, Mode: mode, Size: info.Size(), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func bytesReadCloser(data []byte) io.ReadCloser {
	return io.NopCloser(strings.NewReader(string(data)))
}

// Create creates a container from image without starting it. portBindings
// maps a container port (implicitly /tcp) to the host port it is published
// on; a nil or empty map publishes nothing.
func (c *Client) Create(ctx context.Context, image string, cmd []string, portBindings map[int]int, env map[string]string, volumes []VolumeMount, networks []string) (string, error) {
	cfg := &container.Config{
		Image:        image,
		Cmd:          cmd,
		Env:          mapToSlice(env),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    false,
	}

	binds := make([]string, 0, len(volumes))
	for _, v := range volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", v.Host, v.Container))
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
	}
	if len(networks) > 0 {
		hostCfg.NetworkMode = container.NetworkMode(networks[0])
	}
	if len(portBindings) > 0 {
		exposed := make(nat.PortSet, len(portBindings))
		bindings := make(nat.PortMap, len(portBindings))
		for containerPort, hostPort := range portBindings {
			key := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
			exposed[key] = struct{}{}
			bindings[key] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	netCfg := &network.NetworkingConfig{}
	if len(networks) > 0 {
		netCfg.EndpointsConfig = make(map[string]*network.EndpointSettings)
		for _, n := range networks {
			netCfg.EndpointsConfig[n] = &network.EndpointSettings{}
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, "")
	if err != nil {
		return "", classifyCreateErr("Create", err)
	}
	return resp.ID, nil
}

// Run creates a container and starts it, optionally delivering initStdin on
// the container's standard input once attached.
func (c *Client) Run(ctx context.Context, image string, cmd []string, portBindings map[int]int, env map[string]string, volumes []VolumeMount, networks []string, initStdin string) (string, error) {
	id, err := c.Create(ctx, image, cmd, portBindings, env, volumes, networks)
	if err != nil {
		return "", err
	}
	if err := c.Start(ctx, id, initStdin); err != nil {
		return "", err
	}
	return id, nil
}

// Start attaches to the container's stdio streams and starts it. If
// initStdin is non-empty, it is written to the container's stdin once the
// hijacked stream is established.
func (c *Client) Start(ctx context.Context, id string, initStdin string) error {
	if err := c.Attach(ctx, id); err != nil {
		return err
	}
	if err := c.docker.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return errtypes.NewEngineError("Start", 0, err)
	}
	if initStdin != "" {
		if err := c.Write(ctx, id, initStdin); err != nil {
			c.logger.Warn("engine: failed to deliver initial stdin", zap.String("container", id), zap.Error(err))
		}
	}
	return nil
}

// Stop stops a running container, giving it a grace period to exit cleanly.
func (c *Client) Stop(ctx context.Context, id string) error {
	timeout := 10
	if err := c.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return classifyEngineErr("Stop", err)
	}
	return nil
}

// Restart restarts a container in place.
func (c *Client) Restart(ctx context.Context, id string) error {
	timeout := 10
	if err := c.docker.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return classifyEngineErr("Restart", err)
	}
	return nil
}

// Remove forcibly removes a container, detaching and discarding any live
// attachment first.
func (c *Client) Remove(ctx context.Context, id string) error {
	c.detach(id)
	if err := c.docker.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return classifyEngineErr("Remove", err)
	}
	return nil
}

// GetName returns the engine's resolved name for a container, used to
// answer the operator sub-protocol's HOST query.
func (c *Client) GetName(ctx context.Context, id string) (string, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		return "", classifyEngineErr("GetName", err)
	}
	return strings.TrimPrefix(info.Name, "/"), nil
}

// GetPort returns the host-visible port a container's containerPort/tcp is
// published on, answering the operator sub-protocol's PORT query.
func (c *Client) GetPort(ctx context.Context, id string, containerPort int) (int, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		return 0, classifyEngineErr("GetPort", err)
	}
	if info.NetworkSettings == nil {
		return 0, errtypes.NewEngineError("GetPort", 0, fmt.Errorf("container %s has no network settings", id))
	}
	key := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings, ok := info.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("%w: container %s has no binding for port %d", errtypes.ErrNotFound, id, containerPort)
	}
	var hostPort int
	if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort); err != nil {
		return 0, errtypes.NewEngineError("GetPort", 0, err)
	}
	return hostPort, nil
}

// CreateNetwork creates a bridge network with the given engine-visible name.
func (c *Client) CreateNetwork(ctx context.Context, name string) error {
	_, err := c.docker.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return classifyEngineErr("CreateNetwork", err)
	}
	return nil
}

// RemoveNetwork removes a network created by CreateNetwork, as part of a
// task's destruction cascade.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.docker.NetworkRemove(ctx, name); err != nil {
		return classifyEngineErr("RemoveNetwork", err)
	}
	return nil
}

// RemoveImage removes a built image, forcing removal even if it still has
// dangling references, as part of a task's destruction cascade.
func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	if _, err := c.docker.ImageRemove(ctx, tag, types.ImageRemoveOptions{Force: true}); err != nil {
		return classifyEngineErr("RemoveImage", err)
	}
	return nil
}

// Attach hijacks the container's combined stdio stream and starts the demux
// loop that feeds OnStdout/OnStderr callbacks. Calling Attach on a container
// that is already attached is a no-op.
func (c *Client) Attach(ctx context.Context, id string) error {
	c.attachMu.Lock()
	if _, exists := c.attaches[id]; exists {
		c.attachMu.Unlock()
		return nil
	}
	c.attachMu.Unlock()

	resp, err := c.docker.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return classifyEngineErr("Attach", err)
	}

	att := &attachment{conn: resp.Conn, reader: resp.Reader}
	c.attachMu.Lock()
	c.attaches[id] = att
	c.attachMu.Unlock()

	go c.demux(id, att)
	return nil
}

// demux reads the Docker multiplexed stream format: an 8-byte header (1
// byte stream type, 3 reserved, 4-byte big-endian payload length) preceding
// each chunk, and dispatches stdout/stderr to whichever callback is
// currently registered for that stream. Stdout and stderr callbacks are
// kept strictly independent; registering one never displaces the other.
func (c *Client) demux(id string, att *attachment) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(att.reader, header); err != nil {
			c.fireEnd(att)
			return
		}
		length := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(att.reader, payload); err != nil {
				c.fireEnd(att)
				return
			}
		}

		att.mu.Lock()
		var cb func([]byte)
		switch header[0] {
		case 1:
			cb = att.onStdout
		case 2:
			cb = att.onStderr
		}
		att.mu.Unlock()
		if cb != nil && length > 0 {
			cb(payload)
		}
	}
}

func (c *Client) fireEnd(att *attachment) {
	att.mu.Lock()
	cb := att.onEnd
	already := att.endClosed
	att.endClosed = true
	att.mu.Unlock()
	if cb != nil && !already {
		cb()
	}
}

// OnStdout registers the callback invoked with each stdout chunk delivered
// after Attach. Replacing the callback never affects OnStderr's registration.
func (c *Client) OnStdout(id string, f func([]byte)) {
	c.withAttachment(id, func(att *attachment) {
		att.mu.Lock()
		att.onStdout = f
		att.mu.Unlock()
	})
}

// OnStderr registers the callback invoked with each stderr chunk delivered
// after Attach.
func (c *Client) OnStderr(id string, f func([]byte)) {
	c.withAttachment(id, func(att *attachment) {
		att.mu.Lock()
		att.onStderr = f
		att.mu.Unlock()
	})
}

// OnEnd registers a callback fired exactly once when the attached stream
// closes, used by "onEnd" stdout/stderr delivery modes to flush buffered
// output.
func (c *Client) OnEnd(id string, f func()) {
	c.withAttachment(id, func(att *attachment) {
		att.mu.Lock()
		att.onEnd = f
		att.mu.Unlock()
	})
}

func (c *Client) withAttachment(id string, f func(*attachment)) {
	c.attachMu.Lock()
	att, ok := c.attaches[id]
	c.attachMu.Unlock()
	if ok {
		f(att)
	}
}

// Write sends data on a container's hijacked stdin.
func (c *Client) Write(ctx context.Context, id string, data string) error {
	c.attachMu.Lock()
	att, ok := c.attaches[id]
	c.attachMu.Unlock()
	if !ok {
		return errtypes.NewEngineError("Write", 0, fmt.Errorf("container %s is not attached", id))
	}
	if _, err := att.conn.Write([]byte(data)); err != nil {
		return errtypes.NewEngineError("Write", 0, err)
	}
	return nil
}

func (c *Client) detach(id string) {
	c.attachMu.Lock()
	att, ok := c.attaches[id]
	if ok {
		delete(c.attaches, id)
	}
	c.attachMu.Unlock()
	if ok {
		att.conn.Close()
	}
}

func mapToSlice(m map[string]string) []string {
	result := make([]string, 0, len(m))
	for k, v := range m {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func classifyEngineErr(op string, err error) error {
	if client.IsErrNotFound(err) {
		return errtypes.NewEngineError(op, 404, fmt.Errorf("%w: %v", errtypes.ErrNotFound, err))
	}
	return errtypes.NewEngineError(op, 0, err)
}

func classifyCreateErr(op string, err error) error {
	if client.IsErrNotFound(err) {
		return errtypes.NewEngineError(op, 404, fmt.Errorf("%w: %v", errtypes.ErrNotFound, err))
	}
	return errtypes.NewEngineError(op, 0, err)
}
