// Package bus implements the length-prefixed framed transport over Unix
// domain sockets described in spec.md §4.A: a 4-byte little-endian length
// prefix followed by that many bytes of payload, with no terminators.
package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

const (
	lengthPrefixSize = 4
	// maxFrameSize bounds a single payload to guard against a misbehaving
	// peer claiming an unbounded length; the coordinator/operator protocol
	// never needs frames anywhere near this size.
	maxFrameSize = 256 << 20
)

// Conn is one accepted or dialed connection on the bus. All reads for a
// given Conn happen on the single goroutine that owns it (started by
// Server.Serve or Connect); writes may come from any goroutine and are
// serialized internally.
type Conn struct {
	raw    net.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	dataMu sync.RWMutex
	onData func([]byte)

	closeMu   sync.Mutex
	onClose   func()
	closeOnce sync.Once
	closed    bool

	userMu   sync.RWMutex
	userData interface{}
}

func newConn(raw net.Conn, logger *zap.Logger) *Conn {
	return &Conn{raw: raw, logger: logger}
}

// OnData registers the callback invoked once per fully-reassembled frame,
// including zero-length frames. Must be called before the owning goroutine
// starts reading (i.e. immediately after accept/connect).
func (c *Conn) OnData(f func([]byte)) {
	c.dataMu.Lock()
	c.onData = f
	c.dataMu.Unlock()
}

// OnClose registers the callback invoked when the connection terminates,
// whether by peer close, local Close, or I/O error.
func (c *Conn) OnClose(f func()) {
	c.closeMu.Lock()
	c.onClose = f
	c.closeMu.Unlock()
}

// UserData returns the opaque per-connection slot, nil until SetUserData
// has been called.
func (c *Conn) UserData() interface{} {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userData
}

// SetUserData sets the opaque per-connection slot. Per spec.md §3, once set
// non-nil it must never be reset to nil for the life of the connection.
func (c *Conn) SetUserData(v interface{}) {
	c.userMu.Lock()
	c.userData = v
	c.userMu.Unlock()
}

// Write enqueues one frame for atomic delivery. Concurrent callers are
// serialized and complete in the order they called Write.
func (c *Conn) Write(payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("bus: frame of %d bytes exceeds max %d", len(payload), maxFrameSize)
	}
	header := make([]byte, lengthPrefixSize)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.raw.Write(payload)
	return err
}

// WriteString is a convenience wrapper for the text sub-protocol in
// spec.md §4.D.
func (c *Conn) WriteString(s string) error {
	return c.Write([]byte(s))
}

// Close terminates the connection and fires onClose at most once.
func (c *Conn) Close() error {
	err := c.raw.Close()
	c.fireClose()
	return err
}

func (c *Conn) fireClose() {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		cb := c.onClose
		c.closed = true
		c.closeMu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// readLoop reassembles frames from raw and dispatches them to onData until
// the connection fails or is closed. It owns the connection's read side
// exclusively, matching the "callbacks run only on the Bus worker that owns
// the connection" rule in spec.md §5.
func (c *Conn) readLoop() {
	var buf []byte
	chunk := make([]byte, 64*1024)

	for {
		n, err := c.raw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = c.dispatchFrames(buf)
		}
		if err != nil {
			// Partial data buffered at EOF is discarded per spec.md §4.A.
			c.fireClose()
			return
		}
	}
}

// dispatchFrames emits zero or more complete frames from buf, in arrival
// order, and returns the undispatched tail.
func (c *Conn) dispatchFrames(buf []byte) []byte {
	for {
		if len(buf) < lengthPrefixSize {
			return buf
		}
		length := binary.LittleEndian.Uint32(buf[:lengthPrefixSize])
		if length > maxFrameSize {
			c.logger.Warn("bus: frame exceeds max size, closing connection", zap.Uint32("length", length))
			c.Close()
			return nil
		}
		total := lengthPrefixSize + int(length)
		if len(buf) < total {
			return buf
		}
		payload := buf[lengthPrefixSize:total]
		// Copy out: buf is reused/reallocated on the next append.
		frame := make([]byte, len(payload))
		copy(frame, payload)

		c.dataMu.RLock()
		cb := c.onData
		c.dataMu.RUnlock()
		if cb != nil {
			cb(frame)
		}
		buf = buf[total:]
	}
}

// Server listens for operator connections on a Unix domain socket.
type Server struct {
	path     string
	listener *net.UnixListener
	logger   *zap.Logger
}

// Listen binds path, unlinking any stale socket file left by a previous run.
func Listen(path string, logger *zap.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("bus: failed to remove stale socket", zap.String("path", path), zap.Error(err))
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bus: resolve %s: %w", path, err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: listen %s: %w", path, err)
	}
	return &Server{path: path, listener: l, logger: logger}, nil
}

// Serve accepts connections until the listener is closed, invoking onConnect
// once per accepted connection before starting that connection's read loop.
// It blocks; callers run it on its own goroutine.
func (s *Server) Serve(onConnect func(*Conn)) error {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("bus: accept: %w", err)
		}
		conn := newConn(raw, s.logger)
		onConnect(conn)
		go conn.readLoop()
	}
}

// Close stops accepting new connections and unlinks the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func isClosedErr(err error) bool {
	return err == io.EOF || err.Error() == "use of closed network connection" ||
		(func() bool {
			_, ok := err.(*net.OpError)
			return ok
		})()
}

// Connect dials a Unix domain socket and starts its read loop. It is used
// by tests and by any in-process client of the bus.
func Connect(path string, logger *zap.Logger) (*Conn, error) {
	raw, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", path, err)
	}
	conn := newConn(raw, logger)
	go conn.readLoop()
	return conn, nil
}
