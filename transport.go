// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

// ConnID identifies a connection accepted by a Transport.
type ConnID uint64

// Ready is a readiness event returned by Transport.Select: a pending
// connection on the listener, or a received frame on a connection.
type Ready struct {
	Listener bool
	Conn     ConnID
}

// Transport is the wire side of a Slave. A Slave drives it from one goroutine;
// only Close may be called concurrently, and it must unblock Select.
type Transport interface {
	FloatEncoder

	// Listen binds the listening socket.
	Listen(addr string) error
	// Addr returns the bound address, or nil before Listen.
	Addr() net.Addr
	// Select blocks until the listener or a connection is ready. It returns
	// ErrTransportClosed once Close has been called.
	Select() (Ready, error)
	// Accept takes the pending connection announced by Select.
	Accept() (ConnID, error)
	// Receive returns the frame announced by Select for id. A nil frame with
	// a nil error means the frame must be ignored. Errors matching
	// ErrConnectionClosed mean the peer is gone.
	Receive(id ConnID) (*Frame, error)
	// Reply answers req from m. Write requests are applied to m first. A
	// request the tables cannot serve is answered with an exception whose
	// code is returned.
	Reply(id ConnID, req *Frame, m *Mapping) (ExceptionCode, error)
	// ReplyException answers req with an exception.
	ReplyException(id ConnID, req *Frame, ec ExceptionCode) error
	// CloseConn closes one connection.
	CloseConn(id ConnID) error
	// Close closes the listener and every connection.
	Close() error
}

// TCPTransportConfig configures a TCPTransport.
type TCPTransportConfig struct {
	// MaxConnections bounds the number of open connections. Connections
	// beyond it are closed on accept. Zero means no limit.
	MaxConnections int
	// ReadTimeout closes connections idle for longer. Zero disables it.
	ReadTimeout time.Duration
	// FloatOrder is the register layout of floats.
	FloatOrder FloatOrder
	// UnitFilter, when set, drops frames for other units except broadcast.
	UnitFilter *UnitID
	Logger     *slog.Logger
}

// TCPTransport is a Modbus TCP Transport. An accept goroutine and one reader
// goroutine per connection feed a readiness channel. Each connection has at
// most one received frame waiting; the next frame is read only after
// Receive has taken the previous one.
type TCPTransport struct {
	cfg    TCPTransportConfig
	logger *slog.Logger

	ready chan Ready
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	pending  []net.Conn
	conns    map[ConnID]*tcpConn
	nextID   ConnID
}

type readResult struct {
	frame *Frame
	err   error
}

type tcpConn struct {
	id       ConnID
	conn     net.Conn
	results  chan readResult
	consumed chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func (c *tcpConn) close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// NewTCPTransport creates a TCPTransport.
func NewTCPTransport(cfg TCPTransportConfig) *TCPTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	size := cfg.MaxConnections + 1
	if cfg.MaxConnections <= 0 {
		size = 64
	}
	return &TCPTransport{
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan Ready, size),
		done:   make(chan struct{}),
		conns:  make(map[ConnID]*tcpConn),
	}
}

// SetFloat encodes value with the configured float order.
func (t *TCPTransport) SetFloat(value float32, dst []uint16) {
	t.cfg.FloatOrder.SetFloat(value, dst)
}

// GetFloat decodes a float with the configured float order.
func (t *TCPTransport) GetFloat(src []uint16) float32 {
	return t.cfg.FloatOrder.GetFloat(src)
}

// Listen binds addr and starts accepting connections.
func (t *TCPTransport) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(l)
	return nil
}

// Addr returns the listening address.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr()
	}
	return nil
}

func (t *TCPTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *TCPTransport) acceptLoop(l net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		t.mu.Lock()
		if t.cfg.MaxConnections > 0 && len(t.conns)+len(t.pending) >= t.cfg.MaxConnections {
			t.mu.Unlock()
			t.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		t.pending = append(t.pending, conn)
		t.mu.Unlock()

		select {
		case t.ready <- Ready{Listener: true}:
		case <-t.done:
			return
		}
	}
}

// Select waits for the next readiness event.
func (t *TCPTransport) Select() (Ready, error) {
	if t.isClosed() {
		return Ready{}, ErrTransportClosed
	}
	select {
	case r := <-t.ready:
		return r, nil
	case <-t.done:
		return Ready{}, ErrTransportClosed
	}
}

// Accept registers the oldest pending connection and starts reading from it.
func (t *TCPTransport) Accept() (ConnID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return 0, ErrTransportClosed
	}
	if len(t.pending) == 0 {
		return 0, errors.New("modbus: no pending connection")
	}
	conn := t.pending[0]
	t.pending = t.pending[1:]

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}

	t.nextID++
	c := &tcpConn{
		id:       t.nextID,
		conn:     conn,
		results:  make(chan readResult, 1),
		consumed: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	t.conns[c.id] = c

	t.wg.Add(1)
	go t.readLoop(c)
	return c.id, nil
}

func (t *TCPTransport) readLoop(c *tcpConn) {
	defer t.wg.Done()
	for {
		if t.cfg.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}
		frame, err := ReadFrame(c.conn)
		if err != nil {
			err = classifyReadError(err)
		}
		c.results <- readResult{frame: frame, err: err}

		select {
		case t.ready <- Ready{Conn: c.id}:
		case <-c.closed:
			return
		case <-t.done:
			return
		}
		if errors.Is(err, ErrConnectionClosed) {
			return
		}

		select {
		case <-c.consumed:
		case <-c.closed:
			return
		case <-t.done:
			return
		}
	}
}

// classifyReadError maps every error that leaves the stream unusable to
// ErrConnectionClosed. Only a frame with a bad protocol identifier is
// recoverable.
func classifyReadError(err error) error {
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrInvalidFrame) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	case errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: connection reset by peer", ErrConnectionClosed)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: idle timeout", ErrConnectionClosed)
	default:
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
}

func (t *TCPTransport) conn(id ConnID) *tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

// Receive returns the frame the reader of id announced.
func (t *TCPTransport) Receive(id ConnID) (*Frame, error) {
	c := t.conn(id)
	if c == nil {
		// Announced before the connection was closed.
		return nil, nil
	}

	var res readResult
	select {
	case res = <-c.results:
	case <-c.closed:
		return nil, nil
	case <-t.done:
		return nil, ErrTransportClosed
	}
	select {
	case c.consumed <- struct{}{}:
	default:
	}

	if res.err != nil {
		return nil, res.err
	}
	if f := t.cfg.UnitFilter; f != nil && res.frame.Header.UnitID != *f && res.frame.Header.UnitID != 0 {
		t.logger.Debug("ignoring frame for other unit",
			slog.Uint64("unit_id", uint64(res.frame.Header.UnitID)))
		return nil, nil
	}
	return res.frame, nil
}

func (t *TCPTransport) write(id ConnID, req *Frame, pdu []byte) error {
	c := t.conn(id)
	if c == nil {
		return fmt.Errorf("%w: unknown connection %d", ErrConnectionClosed, id)
	}
	resp := Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
		PDU: pdu,
	}
	if t.cfg.ReadTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	if _, err := c.conn.Write(resp.Encode()); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

// Reply answers req from m.
func (t *TCPTransport) Reply(id ConnID, req *Frame, m *Mapping) (ExceptionCode, error) {
	pdu, ec := BuildReply(req.PDU, m)
	return ec, t.write(id, req, pdu)
}

// ReplyException answers req with the exception ec.
func (t *TCPTransport) ReplyException(id ConnID, req *Frame, ec ExceptionCode) error {
	return t.write(id, req, BuildExceptionPDU(req.FunctionCode(), ec))
}

// CloseConn closes the connection id.
func (t *TCPTransport) CloseConn(id ConnID) error {
	t.mu.Lock()
	c := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close()
}

// Close closes the listener and all connections and waits for the
// transport goroutines to exit.
func (t *TCPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.mu.Lock()
		if t.listener != nil {
			err = t.listener.Close()
		}
		for _, conn := range t.pending {
			conn.Close()
		}
		t.pending = nil
		for id, c := range t.conns {
			c.close()
			delete(t.conns, id)
		}
		t.mu.Unlock()

		t.wg.Wait()
	})
	return err
}
