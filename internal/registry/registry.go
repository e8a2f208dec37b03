// Package registry holds the process-wide table of running tasks: the
// id-to-Task map a single Registry owns, guarded by one mutex, plus the
// construction and cascading teardown of a task's image, networks, volume
// and operator container, per spec.md §4.C.
package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forgerun/invoker/internal/engine"
	"github.com/forgerun/invoker/internal/errtypes"
	"github.com/forgerun/invoker/internal/models"
)

const tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var networksFileSplit = regexp.MustCompile(`\s+`)

// engineClient is the subset of *engine.Client the Registry drives. It
// exists so tests can substitute a fake without a live container engine.
type engineClient interface {
	BuildTar(ctx context.Context, tag string, tarData []byte, dockerfilePath string) error
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, tag string) error
	Run(ctx context.Context, image string, cmd []string, portBindings map[int]int, env map[string]string, volumes []engine.VolumeMount, networks []string, initStdin string) (string, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Registry owns every live Task. Callers never hold the mutex across a
// blocking engine call; StartTask and StopTask copy out what they need and
// release the lock before talking to the engine.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task

	engine engineClient
	logger *zap.Logger
	clock  clock.Clock

	socketHostPath  string
	socketInnerPath string
	volumesRoot     string
}

// New builds an empty Registry. socketHostPath/socketInnerPath are bind
// mounted into every operator container so the operator can reach the
// control bus; volumesRoot is the host directory under which each task's
// private volume directory is created.
func New(eng engineClient, logger *zap.Logger, clk clock.Clock, socketHostPath, socketInnerPath, volumesRoot string) *Registry {
	return &Registry{
		tasks:           make(map[string]*models.Task),
		engine:          eng,
		logger:          logger,
		clock:           clk,
		socketHostPath:  socketHostPath,
		socketInnerPath: socketInnerPath,
		volumesRoot:     volumesRoot,
	}
}

// StartTask builds the task's image from tarData, provisions its declared
// networks and volume directory, and launches its operator container. The
// returned Task is already registered and visible to FindByToken.
func (r *Registry) StartTask(ctx context.Context, id string, tarData []byte) (*models.Task, error) {
	r.mu.RLock()
	_, exists := r.tasks[id]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: task %s", errtypes.ErrAlreadyExists, id)
	}

	now := r.clock.Now()
	imageTag := fmt.Sprintf("task-%s-%d", id, now.UnixNano())

	if err := r.engine.BuildTar(ctx, imageTag, tarData, "./Dockerfile"); err != nil {
		return nil, err
	}

	logicalNetworks, err := extractNetworksFile(tarData)
	if err != nil {
		return nil, errtypes.NewResourceError("StartTask: extract networks file", err)
	}

	networks := make(map[string]string, len(logicalNetworks))
	g, gctx := errgroup.WithContext(ctx)
	var networksMu sync.Mutex
	for _, logical := range logicalNetworks {
		logical := logical
		engineName := fmt.Sprintf("task-%s-%s-%d-%s", id, logical, now.UnixNano(), uuid.New().String())
		g.Go(func() error {
			if err := r.engine.CreateNetwork(gctx, engineName); err != nil {
				return err
			}
			networksMu.Lock()
			networks[logical] = engineName
			networksMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	volumePath := filepath.Join(r.volumesRoot, imageTag)
	if err := os.MkdirAll(volumePath, 0o755); err != nil {
		return nil, errtypes.NewResourceError("StartTask: create volume dir", err)
	}

	token, err := generateToken()
	if err != nil {
		return nil, errtypes.NewResourceError("StartTask: generate token", err)
	}

	engineNetworks := make([]string, 0, len(networks))
	for _, n := range networks {
		engineNetworks = append(engineNetworks, n)
	}

	containerID, err := r.engine.Run(ctx, imageTag, nil, nil,
		map[string]string{"INIT_TOKEN": token, "SOCKET_PATH": r.socketInnerPath},
		[]engine.VolumeMount{
			{Host: r.socketHostPath, Container: r.socketInnerPath},
			{Host: volumePath, Container: "/volume"},
		},
		engineNetworks, "")
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:                  id,
		InitToken:           token,
		OperatorImageTag:    imageTag,
		OperatorContainerID: containerID,
		VolumePath:          volumePath,
		Networks:            networks,
		State:               models.StateRunning,
		CreatedAt:           now,
	}

	r.mu.Lock()
	r.tasks[id] = task
	r.mu.Unlock()

	r.logger.Info("task started", zap.String("task", id), zap.String("image", imageTag), zap.Int("networks", len(networks)))
	return task, nil
}

// StopTask tears down everything StartTask provisioned for id and removes it
// from the registry: every child container the operator started via RUN,
// the operator container itself, every declared network, the task's volume
// directory tree, and the operator image. It is idempotent: calling it
// twice, or calling it for an unknown id, is a no-op that returns nil. All
// steps are attempted even if an earlier one fails; failures are aggregated
// and returned together.
func (r *Registry) StopTask(ctx context.Context, id string) error {
	r.mu.Lock()
	task, exists := r.tasks[id]
	var session models.Session
	if exists {
		delete(r.tasks, id)
		session = task.Session
	}
	r.mu.Unlock()
	if !exists {
		return nil
	}

	var errs error

	var childIDs []string
	if session != nil {
		childIDs = session.ContainerIDs()
		session.Close()
	}
	for _, childID := range childIDs {
		errs = multierr.Append(errs, r.stopAndRemoveContainer(ctx, "child container", childID))
	}

	errs = multierr.Append(errs, r.stopAndRemoveContainer(ctx, "operator container", task.OperatorContainerID))

	for logical, engineName := range task.Networks {
		if err := r.engine.RemoveNetwork(ctx, engineName); err != nil && !errtypes.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove network %s (%s): %w", logical, engineName, err))
		}
	}

	if task.VolumePath != "" {
		if err := os.RemoveAll(task.VolumePath); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove volume directory: %w", err))
		}
	}

	if task.OperatorImageTag != "" {
		if err := r.engine.RemoveImage(ctx, task.OperatorImageTag); err != nil && !errtypes.IsNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove operator image: %w", err))
		}
	}

	r.logger.Info("task stopped", zap.String("task", id), zap.Error(errs))
	return errs
}

// stopAndRemoveContainer stops then force-removes one container, tolerating
// either step failing because the container is already gone.
func (r *Registry) stopAndRemoveContainer(ctx context.Context, what, containerID string) error {
	var errs error
	if err := r.engine.Stop(ctx, containerID); err != nil && !errtypes.IsNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("stop %s %s: %w", what, containerID, err))
	}
	if err := r.engine.Remove(ctx, containerID); err != nil && !errtypes.IsNotFound(err) {
		errs = multierr.Append(errs, fmt.Errorf("remove %s %s: %w", what, containerID, err))
	}
	return errs
}

// FindByToken returns the Task whose init token equals candidate, or
// (nil, false) if none matches. Every live task's token is compared in
// constant time and the scan never exits early on a match, so the time this
// call takes does not leak which prefix of candidate was correct or how
// many tasks are registered... beyond the linear dependence on table size,
// which is unavoidable without a keyed lookup structure.
func (r *Registry) FindByToken(candidate string) (*models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *models.Task
	candidateBytes := []byte(candidate)
	for _, task := range r.tasks {
		if constantTimeEqual(candidateBytes, []byte(task.InitToken)) {
			found = task
		}
	}
	return found, found != nil
}

// SetSession binds a Task's operator session once its connection has
// authenticated. It is the only permitted way to set Task.Session after
// StartTask returns, since concurrent StopTask calls read it under the
// same lock.
func (r *Registry) SetSession(taskID string, session models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[taskID]; ok {
		task.Session = session
	}
}

// Get returns the Task registered under id, if any.
func (r *Registry) Get(id string) (*models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// StopAll tears down every registered task, used during process shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs error
	for _, id := range ids {
		if err := r.StopTask(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// constantTimeEqual reports whether a and b hold equal bytes, taking time
// independent of where they first differ. Differing lengths are padded so
// even a length mismatch does not short-circuit the comparison.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Compare against a same-length buffer anyway so every call to
		// FindByToken does the same amount of work regardless of which
		// candidate token length is tried.
		padded := make([]byte, len(a))
		copy(padded, b)
		subtle.ConstantTimeCompare(a, padded)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func generateToken() (string, error) {
	return mustRandomToken(256)
}

func mustRandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = tokenCharset[int(b)%len(tokenCharset)]
	}
	return string(out), nil
}

// extractNetworksFile looks for a top-level "networks" file in tarData and,
// if present, returns its whitespace-delimited, non-empty tokens as the
// task's declared logical network names.
func extractNetworksFile(tarData []byte) ([]string, error) {
	tr := tar.NewReader(bytes.NewReader(tarData))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Name != "networks" {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		fields := networksFileSplit.Split(string(bytes.TrimSpace(content)), -1)
		names := make([]string, 0, len(fields))
		for _, f := range fields {
			if f != "" {
				names = append(names, f)
			}
		}
		return names, nil
	}
}
