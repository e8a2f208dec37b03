// Package operator implements the container-lifecycle session: the
// decoder and dispatcher for the line-oriented sub-protocol an operator
// container speaks once authenticated, per spec.md §4.D.
package operator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/forgerun/invoker/internal/engine"
)

// VerdictSink receives a task's verdict reports for relay upstream.
type VerdictSink interface {
	SendVerdict(taskID, verdict, data string)
	SendSubtaskVerdict(taskID, subtask, verdict, data string)
}

// frameWriter is the subset of *bus.Conn a Session needs to reply on the
// wire. It exists so tests can substitute a fake without a live socket.
type frameWriter interface {
	WriteString(s string) error
}

// engineClient is the subset of *engine.Client a Session drives. It exists
// so tests can substitute a fake without a live container engine.
type engineClient interface {
	BuildDir(ctx context.Context, tag, dirPath, dockerfilePath string) error
	Run(ctx context.Context, image string, cmd []string, portBindings map[int]int, env map[string]string, volumes []engine.VolumeMount, networks []string, initStdin string) (string, error)
	Restart(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Write(ctx context.Context, id string, data string) error
	GetName(ctx context.Context, id string) (string, error)
	GetPort(ctx context.Context, id string, containerPort int) (int, error)
	OnStdout(id string, f func([]byte))
	OnStderr(id string, f func([]byte))
	OnEnd(id string, f func())
}

// Session tracks one authenticated operator connection's private handle
// namespace and dispatches its frames to the engine.
type Session struct {
	taskID     string
	conn       frameWriter
	engine     engineClient
	logger     *zap.Logger
	verdicts   VerdictSink
	volumePath string
	networks   map[string]string // logical name -> engine network name

	mu            sync.Mutex
	images        map[int]string
	revImages     map[string]int
	containers    map[int]string
	revContainers map[string]int
	closed        bool
}

// New builds a Session bound to one task's operator connection. networks is
// the task's logical-to-engine network name mapping and volumePath is the
// host directory bind mounted as /volume inside the operator container;
// VOLUME host paths in RUN commands are resolved relative to it.
func New(taskID string, conn frameWriter, eng engineClient, logger *zap.Logger, verdicts VerdictSink, volumePath string, networks map[string]string) *Session {
	return &Session{
		taskID:        taskID,
		conn:          conn,
		engine:        eng,
		logger:        logger,
		verdicts:      verdicts,
		volumePath:    volumePath,
		networks:      networks,
		images:        make(map[int]string),
		revImages:     make(map[string]int),
		containers:    make(map[int]string),
		revContainers: make(map[string]int),
	}
}

// OnFrame decodes and dispatches one frame's text payload. Malformed
// frames are logged and dropped, never disconnected, per spec.md §7.
func (s *Session) OnFrame(data []byte) {
	cmd, ok := parseCommand(string(data))
	if !ok {
		s.logger.Debug("operator: dropping malformed or unrecognized command", zap.String("task", s.taskID))
		return
	}

	ctx := context.Background()
	var err error
	switch cmd.Type {
	case "BUILD":
		err = s.build(ctx, cmd)
	case "RUN":
		err = s.run(ctx, cmd)
	case "RESTART":
		err = s.restart(ctx, cmd)
	case "STOP":
		err = s.stop(ctx, cmd)
	case "WRITE":
		err = s.write(ctx, cmd)
	case "HOST":
		err = s.getHost(ctx, cmd)
	case "PORT":
		err = s.getPort(ctx, cmd)
	case "VERDICT":
		s.verdict(cmd)
	}
	if err != nil {
		s.logger.Warn("operator: command failed", zap.String("task", s.taskID), zap.String("type", cmd.Type), zap.Error(err))
	}
}

// Close tears down the session's handle bookkeeping. It satisfies
// models.Session; the underlying connection is owned and closed by bus.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ContainerIDs returns the engine ids of every container started via RUN on
// this session, so a Registry can cascade a task's destruction into each of
// them. It satisfies models.Session.
func (s *Session) ContainerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.containers))
	for _, id := range s.containers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) build(ctx context.Context, cmd *command) error {
	tag := fmt.Sprintf("%s-image-%d", s.taskID, cmd.ImageHandle)

	s.mu.Lock()
	s.images[cmd.ImageHandle] = tag
	s.revImages[tag] = cmd.ImageHandle
	s.mu.Unlock()

	buildContext := cmd.Context
	if !filepath.IsAbs(buildContext) {
		buildContext = filepath.Join(s.volumePath, buildContext)
	}
	return s.engine.BuildDir(ctx, tag, buildContext, cmd.Dockerfile)
}

func (s *Session) run(ctx context.Context, cmd *command) error {
	s.mu.Lock()
	imageTag, ok := s.images[cmd.ImageHandle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("operator: RUN referenced unknown image handle %d", cmd.ImageHandle)
	}

	engineNetworks := make([]string, 0, len(cmd.Networks))
	for _, logical := range cmd.Networks {
		if mapped, ok := s.networks[logical]; ok {
			engineNetworks = append(engineNetworks, mapped)
		} else {
			engineNetworks = append(engineNetworks, logical)
		}
	}

	volumes := make([]engine.VolumeMount, 0, len(cmd.Volumes))
	for _, v := range cmd.Volumes {
		volumes = append(volumes, engine.VolumeMount{
			Host:      filepath.Join(s.volumePath, v.Host),
			Container: v.Container,
		})
	}

	// The RUN sub-protocol carries no port-binding sub-token, so every
	// container this session starts publishes nothing; GetPort/PORT only
	// ever resolves a binding created some other way.
	containerID, err := s.engine.Run(ctx, imageTag, nil, nil, cmd.Env, volumes, engineNetworks, cmd.InitStdin)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.containers[cmd.ContainerHandle] = containerID
	s.revContainers[containerID] = cmd.ContainerHandle
	s.mu.Unlock()

	if cmd.StdoutMode != "none" || cmd.StderrMode != "none" {
		s.attachOutputs(containerID, cmd.ContainerHandle, cmd.StdoutMode, cmd.StderrMode)
	}
	return nil
}

// attachOutputs wires the engine's per-container stdout/stderr callbacks to
// the operator connection, honoring each stream's independent delivery
// mode: "normal" forwards every chunk immediately, "onEnd" buffers until
// the attached stream closes, "none" is not wired at all. The two streams
// never share state beyond the container handle, so a chunk on one never
// displaces the other's callback.
func (s *Session) attachOutputs(containerID string, handle int, stdoutMode, stderrMode string) {
	var mu sync.Mutex
	var stdoutBuf, stderrBuf []byte

	if stdoutMode == "normal" {
		s.engine.OnStdout(containerID, func(chunk []byte) {
			s.conn.WriteString(fmt.Sprintf("STDOUT %d\n%s", handle, chunk))
		})
	} else if stdoutMode == "onEnd" {
		s.engine.OnStdout(containerID, func(chunk []byte) {
			mu.Lock()
			stdoutBuf = append(stdoutBuf, chunk...)
			mu.Unlock()
		})
	}

	if stderrMode == "normal" {
		s.engine.OnStderr(containerID, func(chunk []byte) {
			s.conn.WriteString(fmt.Sprintf("STDERR %d\n%s", handle, chunk))
		})
	} else if stderrMode == "onEnd" {
		s.engine.OnStderr(containerID, func(chunk []byte) {
			mu.Lock()
			stderrBuf = append(stderrBuf, chunk...)
			mu.Unlock()
		})
	}

	s.engine.OnEnd(containerID, func() {
		mu.Lock()
		stdout, stderr := stdoutBuf, stderrBuf
		mu.Unlock()
		if stdoutMode == "onEnd" && len(stdout) > 0 {
			s.conn.WriteString(fmt.Sprintf("STDOUT %d\n%s", handle, stdout))
		}
		if stderrMode == "onEnd" && len(stderr) > 0 {
			s.conn.WriteString(fmt.Sprintf("STDERR %d\n%s", handle, stderr))
		}
	})
}

func (s *Session) restart(ctx context.Context, cmd *command) error {
	containerID, ok := s.resolveContainer(cmd.ContainerHandle)
	if !ok {
		return fmt.Errorf("operator: RESTART referenced unknown container handle %d", cmd.ContainerHandle)
	}
	return s.engine.Restart(ctx, containerID)
}

func (s *Session) stop(ctx context.Context, cmd *command) error {
	containerID, ok := s.resolveContainer(cmd.ContainerHandle)
	if !ok {
		// Idempotent: stopping an already-unknown handle is not an error.
		return nil
	}
	return s.engine.Stop(ctx, containerID)
}

func (s *Session) write(ctx context.Context, cmd *command) error {
	containerID, ok := s.resolveContainer(cmd.ContainerHandle)
	if !ok {
		return fmt.Errorf("operator: WRITE referenced unknown container handle %d", cmd.ContainerHandle)
	}
	return s.engine.Write(ctx, containerID, cmd.WriteData)
}

func (s *Session) getHost(ctx context.Context, cmd *command) error {
	containerID, ok := s.resolveContainer(cmd.ContainerHandle)
	if !ok {
		return fmt.Errorf("operator: HOST referenced unknown container handle %d", cmd.ContainerHandle)
	}
	name, err := s.engine.GetName(ctx, containerID)
	if err != nil {
		return err
	}
	return s.conn.WriteString("HOST " + name)
}

// getPort answers a PORT query. It is a completion of a request the
// original operator client could send but the session never answered;
// kept behind the same "no correlation id in the reply" shape as HOST,
// since the operator only ever has one PORT query outstanding at a time.
func (s *Session) getPort(ctx context.Context, cmd *command) error {
	containerID, ok := s.resolveContainer(cmd.ContainerHandle)
	if !ok {
		return fmt.Errorf("operator: PORT referenced unknown container handle %d", cmd.ContainerHandle)
	}
	hostPort, err := s.engine.GetPort(ctx, containerID, cmd.Port)
	if err != nil {
		return err
	}
	return s.conn.WriteString(fmt.Sprintf("PORT %d", hostPort))
}

func (s *Session) verdict(cmd *command) {
	if s.verdicts == nil {
		return
	}
	if cmd.HasSubtask {
		s.verdicts.SendSubtaskVerdict(s.taskID, cmd.Subtask, cmd.Verdict, cmd.VerdictData)
	} else {
		s.verdicts.SendVerdict(s.taskID, cmd.Verdict, cmd.VerdictData)
	}
}

func (s *Session) resolveContainer(handle int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.containers[handle]
	return id, ok
}
