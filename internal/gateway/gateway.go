// Package gateway implements the upstream link to the coordinator: a
// WebSocket client that receives START/STOP dispatches and reports
// VERDICT/SUBTASK/EXITED/ERROR/OPERROR events back, per spec.md §4.E.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgerun/invoker/internal/models"
)

// TaskStarter is the subset of the Registry the Gateway needs to dispatch
// an inbound START.
type TaskStarter interface {
	StartTask(ctx context.Context, id string, tarData []byte) (*models.Task, error)
	StopTask(ctx context.Context, id string) error
}

// outboundMessage is one queued write; done is closed once the write
// completes (successfully or not) so callers can observe ordering in tests.
type outboundMessage struct {
	data []byte
	done chan struct{}
}

// Gateway owns the single WebSocket connection to the coordinator. All
// writes are serialized through a single I/O goroutine so concurrent
// callers never interleave a frame.
type Gateway struct {
	url            string
	connectTimeout time.Duration
	logger         *zap.Logger
	registry       TaskStarter

	conn     *websocket.Conn
	writeCh  chan outboundMessage
	shutdown chan struct{}
	done     chan struct{}
}

// New builds a Gateway; call Run to connect and start its worker loop.
func New(url string, connectTimeout time.Duration, logger *zap.Logger, registry TaskStarter) *Gateway {
	return &Gateway{
		url:            url,
		connectTimeout: connectTimeout,
		logger:         logger,
		registry:       registry,
		writeCh:        make(chan outboundMessage, 64),
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run dials the coordinator and blocks, running the read and write loops
// until Stop is called or the connection fails. Callers run it on its own
// goroutine and may call Run again to reconnect after it returns.
func (g *Gateway) Run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, g.url, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", g.url, err)
	}
	g.conn = conn
	g.logger.Info("gateway: connected", zap.String("url", g.url))

	writerDone := make(chan struct{})
	go g.writeLoop(writerDone)

	g.readLoop()

	close(g.shutdown)
	<-writerDone
	conn.Close()
	close(g.done)
	return nil
}

// Stop closes the connection, unblocking Run.
func (g *Gateway) Stop() {
	if g.conn != nil {
		g.conn.Close()
	}
}

// Done returns a channel closed once Run has fully torn down its loops.
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

func (g *Gateway) readLoop() {
	for {
		msgType, data, err := g.conn.ReadMessage()
		if err != nil {
			g.logger.Warn("gateway: read failed, connection lost", zap.Error(err))
			return
		}
		if msgType != websocket.BinaryMessage {
			g.logger.Debug("gateway: ignoring non-binary frame", zap.Int("type", msgType))
			continue
		}
		g.handleInbound(data)
	}
}

// handleInbound decodes a "<taskId> <type>\n<body>" dispatch. For START,
// body is the task's build-context tar; for STOP, body is empty.
func (g *Gateway) handleInbound(data []byte) {
	idx := indexByte(data, '\n')
	if idx < 0 {
		g.logger.Warn("gateway: inbound message missing header line")
		return
	}
	header := string(data[:idx])
	body := data[idx+1:]

	fields := strings.Fields(header)
	if len(fields) < 2 {
		g.logger.Warn("gateway: inbound header malformed", zap.String("header", header))
		return
	}
	taskID, msgType := fields[0], fields[1]

	switch msgType {
	case "START":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := g.registry.StartTask(ctx, taskID, body); err != nil {
			g.logger.Error("gateway: failed to start task", zap.String("task", taskID), zap.Error(err))
			g.SendError(taskID, err.Error())
		}
	case "STOP":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.registry.StopTask(ctx, taskID); err != nil {
			g.logger.Error("gateway: failed to stop task", zap.String("task", taskID), zap.Error(err))
		}
	default:
		g.logger.Warn("gateway: unknown inbound message type", zap.String("type", msgType))
	}
}

func (g *Gateway) writeLoop(done chan struct{}) {
	defer close(done)
	for {
		select {
		case msg := <-g.writeCh:
			err := g.conn.WriteMessage(websocket.TextMessage, msg.data)
			if err != nil {
				g.logger.Warn("gateway: write failed", zap.Error(err))
			}
			close(msg.done)
		case <-g.shutdown:
			// Drain without sending: the transport is already gone.
			for {
				select {
				case msg := <-g.writeCh:
					close(msg.done)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) enqueue(payload string) {
	msg := outboundMessage{data: []byte(payload), done: make(chan struct{})}
	select {
	case g.writeCh <- msg:
	case <-g.shutdown:
	}
}

// SendVerdict reports a task's final verdict.
func (g *Gateway) SendVerdict(taskID, verdict, data string) {
	g.enqueue(taskID + "\n" + "VERDICT " + verdict + "\n" + data)
}

// SendSubtaskVerdict reports an intermediate subtask's verdict.
func (g *Gateway) SendSubtaskVerdict(taskID, subtask, verdict, data string) {
	g.enqueue(taskID + "\n" + "SUBTASK " + subtask + "\n" + "VERDICT " + verdict + "\n" + data)
}

// SendExited reports that a task's operator container exited.
func (g *Gateway) SendExited(taskID string, exitCode int, data string) {
	g.enqueue(taskID + "\n" + "EXITED " + strconv.Itoa(exitCode) + "\n" + data)
}

// SendError reports an invoker-side failure unrelated to operator conduct.
func (g *Gateway) SendError(taskID, message string) {
	g.enqueue(taskID + "\n" + "ERROR" + "\n" + message)
}

// SendOperatorError reports a failure caused by the operator's own
// malformed or invalid commands.
func (g *Gateway) SendOperatorError(taskID, message string) {
	g.enqueue(taskID + "\n" + "OPERROR" + "\n" + message)
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
