// Package control wires the framed bus to the task registry: it accepts
// operator connections, authenticates their first frame against a task's
// init token, and binds the rest of the connection's frames to that task's
// operator.Session, per spec.md §4.C/§5.
package control

import (
	"context"

	"go.uber.org/zap"

	"github.com/forgerun/invoker/internal/bus"
	"github.com/forgerun/invoker/internal/engine"
	"github.com/forgerun/invoker/internal/operator"
	"github.com/forgerun/invoker/internal/registry"
)

// engineClient is the subset of *engine.Client a Dispatcher hands off to
// every operator.Session it creates. It exists so tests can substitute a
// fake without a live container engine; its method set mirrors
// operator.engineClient exactly, so a Dispatcher can pass its engine field
// straight through to operator.New.
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

// Dispatcher accepts connections on a bus.Server and binds each one to an
// operator.Session once its first frame matches a registered task's token.
// A connection that never authenticates is simply never bound; it is
// otherwise indistinguishable from an idle connection.
type Dispatcher struct {
	registry *registry.Registry
	engine   engineClient
	verdicts operator.VerdictSink
	logger   *zap.Logger
}

// New builds a Dispatcher. verdicts receives every authenticated session's
// VERDICT/SUBTASK reports, ordinarily the Gateway.
func New(reg *registry.Registry, eng engineClient, verdicts operator.VerdictSink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, engine: eng, verdicts: verdicts, logger: logger}
}

// OnConnect is registered with bus.Server.Serve. It must be called before
// the connection's read loop starts, matching Conn.OnData's registration
// requirement.
func (d *Dispatcher) OnConnect(conn *bus.Conn) {
	conn.OnData(func(frame []byte) {
		if session, ok := conn.UserData().(*operator.Session); ok {
			session.OnFrame(frame)
			return
		}
		d.tryAuthenticate(conn, frame)
	})
	conn.OnClose(func() {
		d.logger.Debug("control: operator connection closed")
	})
}

// tryAuthenticate treats frame as a candidate init token. On a match it
// permanently binds the connection's UserData to a new operator.Session;
// on a miss it does nothing, leaving the connection open for a retry or a
// timeout enforced by the caller.
func (d *Dispatcher) tryAuthenticate(conn *bus.Conn, frame []byte) {
	task, ok := d.registry.FindByToken(string(frame))
	if !ok {
		d.logger.Debug("control: connection presented an unrecognized token")
		return
	}

	session := operator.New(task.ID, conn, d.engine, d.logger, d.verdicts, task.VolumePath, task.Networks)
	conn.SetUserData(session)
	d.registry.SetSession(task.ID, session)
	d.logger.Info("control: operator authenticated", zap.String("task", task.ID))
}
