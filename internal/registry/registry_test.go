package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/forgerun/invoker/internal/engine"
)

type fakeEngine struct {
	mu            sync.Mutex
	built         []string
	networks      []string
	removed       []string
	removedNets   []string
	removedImages []string
	stopped       []string
	runCalls      int
	failBuild     bool
	failNetwork   bool
}

func (f *fakeEngine) BuildTar(ctx context.Context, tag string, tarData []byte, dockerfilePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBuild {
		return fmt.Errorf("build failed")
	}
	f.built = append(f.built, tag)
	return nil
}

func (f *fakeEngine) CreateNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNetwork {
		return fmt.Errorf("network failed")
	}
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeEngine) Run(ctx context.Context, image string, cmd []string, portBindings map[int]int, env map[string]string, volumes []engine.VolumeMount, networks []string, initStdin string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	return fmt.Sprintf("container-%d", f.runCalls), nil
}

func (f *fakeEngine) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedNets = append(f.removedNets, name)
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedImages = append(f.removedImages, tag)
	return nil
}

func tarWithNetworksFile(t *testing.T, networks string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "networks", Mode: 0o644, Size: int64(len(networks))}); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	if _, err := tw.Write([]byte(networks)); err != nil {
		t.Fatalf("write tar body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

func newTestRegistry(t *testing.T, eng *fakeEngine) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(eng, zap.NewNop(), clock.NewMock(), filepath.Join(dir, "invoker.sock"), "/invoker.sock", filepath.Join(dir, "volumes"))
}

func TestStartTaskProvisionsDeclaredNetworks(t *testing.T) {
	eng := &fakeEngine{}
	reg := newTestRegistry(t, eng)

	tarData := tarWithNetworksFile(t, "frontend backend\n")
	task, err := reg.StartTask(context.Background(), "task-1", tarData)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if len(task.Networks) != 2 {
		t.Fatalf("got %d networks, want 2: %+v", len(task.Networks), task.Networks)
	}
	if _, ok := task.Networks["frontend"]; !ok {
		t.Fatalf("missing frontend network mapping: %+v", task.Networks)
	}
	if _, ok := task.Networks["backend"]; !ok {
		t.Fatalf("missing backend network mapping: %+v", task.Networks)
	}
}

func TestStartTaskRejectsDuplicateID(t *testing.T) {
	eng := &fakeEngine{}
	reg := newTestRegistry(t, eng)

	tarData := tarWithNetworksFile(t, "")
	if _, err := reg.StartTask(context.Background(), "task-1", tarData); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if _, err := reg.StartTask(context.Background(), "task-1", tarData); err == nil {
		t.Fatal("expected second StartTask with the same id to fail")
	}
}

func TestStopTaskIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	reg := newTestRegistry(t, eng)

	tarData := tarWithNetworksFile(t, "")
	if _, err := reg.StartTask(context.Background(), "task-1", tarData); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	if err := reg.StopTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("first StopTask: %v", err)
	}
	if err := reg.StopTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("second StopTask on an already-stopped task should be a no-op, got: %v", err)
	}
	if err := reg.StopTask(context.Background(), "never-existed"); err != nil {
		t.Fatalf("StopTask on an unknown id should be a no-op, got: %v", err)
	}

	if _, ok := reg.Get("task-1"); ok {
		t.Fatal("task-1 should no longer be registered after StopTask")
	}
}

type fakeSession struct {
	containerIDs []string
	closed       bool
}

func (s *fakeSession) Close()                 { s.closed = true }
func (s *fakeSession) ContainerIDs() []string { return s.containerIDs }

// TestStopTaskCascadesThroughEverythingStartTaskProvisioned confirms StopTask
// stops and removes every child container the session started, stops and
// removes the operator container, removes every declared network, deletes
// the volume directory tree, and removes the operator image — the full
// destruction cascade spec.md §3/§8 requires.
func TestStopTaskCascadesThroughEverythingStartTaskProvisioned(t *testing.T) {
	eng := &fakeEngine{}
	reg := newTestRegistry(t, eng)

	tarData := tarWithNetworksFile(t, "frontend backend")
	task, err := reg.StartTask(context.Background(), "task-1", tarData)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	session := &fakeSession{containerIDs: []string{"child-a", "child-b"}}
	reg.SetSession(task.ID, session)

	if _, err := os.Stat(task.VolumePath); err != nil {
		t.Fatalf("expected volume dir to exist before StopTask: %v", err)
	}

	if err := reg.StopTask(context.Background(), task.ID); err != nil {
		t.Fatalf("StopTask: %v", err)
	}

	if !session.closed {
		t.Fatal("expected the session to be closed")
	}

	wantStoppedAndRemoved := []string{"child-a", "child-b", task.OperatorContainerID}
	for _, id := range wantStoppedAndRemoved {
		if !contains(eng.stopped, id) {
			t.Fatalf("expected %s to be stopped, got stopped=%v", id, eng.stopped)
		}
		if !contains(eng.removed, id) {
			t.Fatalf("expected %s to be removed, got removed=%v", id, eng.removed)
		}
	}

	if len(eng.removedNets) != 2 {
		t.Fatalf("got %d networks removed, want 2: %v", len(eng.removedNets), eng.removedNets)
	}
	for _, engineName := range task.Networks {
		if !contains(eng.removedNets, engineName) {
			t.Fatalf("expected network %s to be removed, got %v", engineName, eng.removedNets)
		}
	}

	if len(eng.removedImages) != 1 || eng.removedImages[0] != task.OperatorImageTag {
		t.Fatalf("got removed images %v, want [%s]", eng.removedImages, task.OperatorImageTag)
	}

	if _, err := os.Stat(task.VolumePath); !os.IsNotExist(err) {
		t.Fatalf("expected volume dir to be removed, stat err: %v", err)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// TestFindByTokenConstantTimeScanDoesNotShortCircuit registers many tasks
// and checks that FindByToken still finds the one live match regardless of
// table size or where among the tokens it sits, which would fail under an
// early-exit comparison bug even though it says nothing about timing
// itself.
func TestFindByTokenConstantTimeScanDoesNotShortCircuit(t *testing.T) {
	eng := &fakeEngine{}
	reg := newTestRegistry(t, eng)

	var last *taskHandle
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("task-%d", i)
		task, err := reg.StartTask(context.Background(), id, tarWithNetworksFile(t, ""))
		if err != nil {
			t.Fatalf("StartTask(%s): %v", id, err)
		}
		last = &taskHandle{id: task.ID, token: task.InitToken}
	}

	found, ok := reg.FindByToken(last.token)
	if !ok || found.ID != last.id {
		t.Fatalf("FindByToken did not find the last-registered task: ok=%v found=%+v", ok, found)
	}

	if _, ok := reg.FindByToken("not-a-real-token"); ok {
		t.Fatal("FindByToken matched a token that was never issued")
	}
}

type taskHandle struct {
	id    string
	token string
}

func TestGenerateTokenIsUniqueAndLong(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		tok, err := generateToken()
		if err != nil {
			t.Fatalf("generateToken: %v", err)
		}
		if len(tok) != 256 {
			t.Fatalf("got token length %d, want 256", len(tok))
		}
		if seen[tok] {
			t.Fatalf("generateToken produced a duplicate")
		}
		seen[tok] = true
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte("abcdef")
	b := []byte("abcdef")
	c := []byte("abcxyz")
	d := []byte("short")

	if !constantTimeEqual(a, b) {
		t.Fatal("expected equal byte slices to compare equal")
	}
	if constantTimeEqual(a, c) {
		t.Fatal("expected differing byte slices to compare unequal")
	}
	if constantTimeEqual(a, d) {
		t.Fatal("expected differing-length byte slices to compare unequal")
	}
}
