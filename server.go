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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server runs a Slave on a background goroutine.
type Server struct {
	processor Processor
	opts      *serverOptions
	metrics   *ServerMetrics

	mu    sync.Mutex
	slave *Slave
	done  chan struct{}
}

// NewServer creates a new Modbus TCP server for processor.
func NewServer(processor Processor, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Server{
		processor: processor,
		opts:      options,
		metrics:   NewServerMetrics(),
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Start opens the slave on addr and runs it in the background. An error
// opening the socket is returned to the caller.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slave != nil {
		return fmt.Errorf("%w: server already started", ErrOpen)
	}

	slave := newSlave(s.processor, s.opts, s.metrics)
	if err := slave.Open(addr); err != nil {
		return err
	}
	done := make(chan struct{})
	s.slave, s.done = slave, done

	go func() {
		defer close(done)
		if err := slave.Run(); err != nil && !errors.Is(err, ErrNotStarted) {
			s.opts.logger.Error("execution of modbus slave failed", slog.String("error", err.Error()))
		}
	}()

	s.opts.logger.Info("server started", slog.String("addr", slave.Addr().String()))
	return nil
}

// Stop closes the slave and waits up to timeout for its goroutine to exit.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	slave, done := s.slave, s.done
	s.slave, s.done = nil, nil
	s.mu.Unlock()
	if slave == nil {
		return ErrNotStarted
	}

	start := time.Now()
	if err := slave.Close(timeout); err != nil {
		s.opts.logger.Error("cannot close modbus slave", slog.String("error", err.Error()))
		return err
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return fmt.Errorf("%w: worker did not exit within %s", ErrCloseTimeout, timeout)
	}
	s.opts.logger.Info("server stopped")
	return nil
}

// ListenAndServe starts the server on addr and blocks until ctx is done,
// then stops it with DefaultCloseTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Start(addr); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return s.Stop(DefaultCloseTimeout)
	case <-done:
		return fmt.Errorf("%w: worker exited", ErrTransportClosed)
	}
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	slave := s.slave
	s.mu.Unlock()
	if slave == nil {
		return nil
	}
	return slave.Addr()
}

// State returns the slave state, StateIdle if not started.
func (s *Server) State() State {
	s.mu.Lock()
	slave := s.slave
	s.mu.Unlock()
	if slave == nil {
		return StateIdle
	}
	return slave.State()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	return int(s.metrics.ActiveConns.Value())
}

func (s *Server) floats() FloatEncoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slave == nil {
		return s.opts.floatOrder
	}
	return s.slave
}

// SetFloat encodes a float through the running slave's transport.
func (s *Server) SetFloat(value float32, dst []uint16) {
	s.floats().SetFloat(value, dst)
}

// GetFloat decodes a float through the running slave's transport.
func (s *Server) GetFloat(src []uint16) float32 {
	return s.floats().GetFloat(src)
}
