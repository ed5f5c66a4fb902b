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
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"
)

// Stop handshake states.
const (
	stopRunning      = 0
	stopRequested    = 1
	stopAcknowledged = 2
)

// Slave is the connection engine. One goroutine runs Run; another may call
// Close to stop it. Close is acknowledged by the worker once it has left its
// transport wait, so Close never returns while the worker is still blocked.
type Slave struct {
	processor Processor
	opts      *serverOptions
	logger    *slog.Logger
	metrics   *ServerMetrics

	mu        sync.Mutex
	transport Transport
	state     State
	running   bool
	stopState int
	stopped   chan struct{}
}

// session is the per-Run bookkeeping of the worker goroutine.
type session struct {
	conns     int
	connected bool
}

// NewSlave creates a Slave dispatching requests to processor.
func NewSlave(processor Processor, opts ...ServerOption) *Slave {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return newSlave(processor, options, NewServerMetrics())
}

func newSlave(processor Processor, opts *serverOptions, metrics *ServerMetrics) *Slave {
	return &Slave{
		processor: processor,
		opts:      opts,
		logger:    opts.logger,
		metrics:   metrics,
		state:     StateIdle,
	}
}

// State returns the lifecycle state.
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns the slave metrics.
func (s *Slave) Metrics() *ServerMetrics {
	return s.metrics
}

// Addr returns the listening address, or nil if the slave is not open.
func (s *Slave) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.Addr()
}

func (s *Slave) floats() FloatEncoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return s.opts.floatOrder
	}
	return s.transport
}

// SetFloat encodes a float the way the transport does.
func (s *Slave) SetFloat(value float32, dst []uint16) {
	s.floats().SetFloat(value, dst)
}

// GetFloat decodes a float the way the transport does.
func (s *Slave) GetFloat(src []uint16) float32 {
	return s.floats().GetFloat(src)
}

// Open creates the transport and binds addr.
func (s *Slave) Open(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		return fmt.Errorf("%w: already open", ErrOpen)
	}

	s.logger.Info("opening server socket", slog.String("addr", addr))
	t := s.opts.transport(s.opts)
	if err := t.Listen(addr); err != nil {
		t.Close()
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	s.transport = t
	s.state = StateListening
	return nil
}

// Close asks the worker to stop, closes the transport and waits up to
// timeout for the worker to acknowledge. A Slave whose Close timed out must
// not be reused.
func (s *Slave) Close(timeout time.Duration) error {
	s.mu.Lock()
	t := s.transport
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info("closing server socket")
	running := s.running
	stopped := make(chan struct{})
	if running {
		s.stopState = stopRequested
		s.stopped = stopped
		s.state = StateClosing
	}
	s.mu.Unlock()

	t.Close()

	if running {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-stopped:
		case <-timer.C:
			return fmt.Errorf("%w: worker did not stop within %s", ErrCloseTimeout, timeout)
		}
	}

	s.mu.Lock()
	s.stopState = stopRunning
	s.stopped = nil
	s.transport = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("modbus slave closed")
	return nil
}

// isClosing acknowledges a pending close request.
func (s *Slave) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopState == stopRequested {
		s.stopState = stopAcknowledged
		close(s.stopped)
		return true
	}
	return false
}

// Run serves requests until Close is called. It returns nil after a close
// and an error if the transport fails on its own.
func (s *Slave) Run() error {
	s.mu.Lock()
	t := s.transport
	if t == nil || s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = true
	s.state = StateProcessing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var sess session
	for {
		s.logger.Debug("waiting for data")
		ready, err := t.Select()
		if s.isClosing() {
			s.disconnect(&sess)
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				s.logger.Error("transport closed unexpectedly")
				s.disconnect(&sess)
				return err
			}
			s.logger.Error("waiting for data failed", slog.String("error", err.Error()))
			continue
		}

		if ready.Listener {
			s.accept(t, &sess)
			continue
		}
		s.serve(t, ready.Conn, &sess)
	}
}

func (s *Slave) accept(t Transport, sess *session) {
	id, err := t.Accept()
	if err != nil {
		s.logger.Error("unable to accept a connection", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("connection established", slog.Uint64("conn", uint64(id)))
	sess.conns++
	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)

	if !sess.connected {
		if err := s.processor.Connect(); err != nil {
			s.metrics.BackendFailures.Add(1)
			s.logger.Error("cannot initialize backend", slog.String("error", err.Error()))
			return
		}
		sess.connected = true
		s.metrics.BackendConnects.Add(1)
	}
}

func (s *Slave) disconnect(sess *session) {
	if !sess.connected {
		return
	}
	sess.connected = false
	if err := s.processor.Disconnect(); err != nil {
		s.logger.Error("cannot clean up backend", slog.String("error", err.Error()))
	}
}

// drop closes a connection the peer has left.
func (s *Slave) drop(t Transport, id ConnID, sess *session, err error) {
	s.logger.Debug("connection closed",
		slog.Uint64("conn", uint64(id)),
		slog.String("reason", err.Error()))
	t.CloseConn(id)
	sess.conns--
	s.metrics.ActiveConns.Add(-1)
	if sess.conns == 0 {
		s.disconnect(sess)
	}
}

func (s *Slave) sendFailed(t Transport, id ConnID, sess *session, err error) {
	if errors.Is(err, ErrConnectionClosed) {
		s.drop(t, id, sess, err)
		return
	}
	s.logger.Error("failed to send response", slog.String("error", err.Error()))
}

func (s *Slave) serve(t Transport, id ConnID, sess *session) {
	frame, err := t.Receive(id)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			s.drop(t, id, sess, err)
			return
		}
		s.logger.Error("failed to receive message",
			slog.Uint64("conn", uint64(id)),
			slog.String("error", err.Error()))
		return
	}
	if frame == nil {
		s.metrics.RequestsIgnored.Add(1)
		return
	}
	received := time.Now()
	s.metrics.RequestsTotal.Add(1)

	if !sess.connected {
		s.logger.Error("discarding request due to failed initialization of backend")
		s.metrics.RequestsErrors.Add(1)
		s.metrics.Exceptions.Add(1)
		if err := t.ReplyException(id, frame, ExceptionServerDeviceFailure); err != nil {
			s.sendFailed(t, id, sess, err)
		}
		return
	}

	fc, addr, qty, err := ParseRequest(frame.PDU)
	if err != nil {
		s.logger.Debug("malformed request", slog.String("error", err.Error()))
		s.metrics.RequestsErrors.Add(1)
		s.metrics.Exceptions.Add(1)
		if err := t.ReplyException(id, frame, ExceptionIllegalDataValue); err != nil {
			s.sendFailed(t, id, sess, err)
		}
		return
	}

	fm := s.metrics.ForFunction(fc)
	fm.Requests.Add(1)
	mapping := mappingFor(fc, addr, qty)
	defer mapping.Release()

	replied := false
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RequestsErrors.Add(1)
			fm.Errors.Add(1)
			s.logger.Error("panic in request processor",
				slog.String("func", fc.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if replied {
				return
			}
			s.metrics.Exceptions.Add(1)
			if err := t.ReplyException(id, frame, ExceptionServerDeviceFailure); err != nil {
				s.sendFailed(t, id, sess, err)
			}
		}
	}()

	req := &Request{
		UnitID:       frame.Header.UnitID,
		FunctionCode: fc,
		Address:      addr,
		Quantity:     qty,
		Time:         received,
		Mapping:      mapping,
	}

	if fc.IsRead() {
		s.logger.Debug("reading data",
			slog.String("func", fc.String()),
			slog.Int("address", addr),
			slog.Int("quantity", qty))
		if err := s.processor.Read(req); err != nil {
			ec := ExceptionCodeOf(err)
			s.logger.Error("cannot read data",
				slog.String("func", fc.String()),
				slog.Int("address", addr),
				slog.Int("quantity", qty),
				slog.String("exception", ec.String()),
				slog.String("error", err.Error()))
			s.metrics.RequestsErrors.Add(1)
			s.metrics.Exceptions.Add(1)
			fm.Errors.Add(1)
			replied = true
			if err := t.ReplyException(id, frame, ec); err != nil {
				s.sendFailed(t, id, sess, err)
			}
			return
		}
	}

	replied = true
	ec, err := t.Reply(id, frame, mapping)
	if err != nil {
		s.metrics.RequestsErrors.Add(1)
		fm.Errors.Add(1)
		s.sendFailed(t, id, sess, err)
		return
	}
	if ec != 0 {
		s.logger.Debug("request answered with exception",
			slog.String("func", fc.String()),
			slog.String("exception", ec.String()))
		s.metrics.RequestsErrors.Add(1)
		s.metrics.Exceptions.Add(1)
		fm.Errors.Add(1)
		return
	}

	if fc.IsWrite() {
		s.logger.Debug("writing data",
			slog.String("func", fc.String()),
			slog.Int("address", addr),
			slog.Int("quantity", qty))
		if err := s.processor.Write(req); err != nil {
			s.logger.Error("cannot write data",
				slog.String("func", fc.String()),
				slog.Int("address", addr),
				slog.Int("quantity", qty),
				slog.String("error", err.Error()))
			s.metrics.WriteErrors.Add(1)
		}
	}

	d := time.Since(received)
	s.metrics.RequestsSuccess.Add(1)
	s.metrics.Latency.Observe(d)
	fm.Latency.Observe(d)
}
