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

// Package transport implements the master side TCP connection used by the
// test and command line client.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	headerSize = 7
	maxLength  = 254
)

// ErrNotConnected is returned by RoundTrip before Dial or after Close.
var ErrNotConnected = errors.New("transport: not connected")

// TCPConn is a single Modbus TCP connection carrying one transaction at a time.
type TCPConn struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPConn creates an unconnected TCPConn for addr.
func NewTCPConn(addr string, timeout time.Duration) *TCPConn {
	return &TCPConn{addr: addr, timeout: timeout}
}

// Dial establishes the connection. Dialing an open connection is a no-op.
func (t *TCPConn) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: t.timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	t.conn = conn
	return nil
}

// Close closes the connection.
func (t *TCPConn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected reports whether the connection is open.
func (t *TCPConn) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// RoundTrip writes one ADU and reads the next ADU from the peer. The deadline
// comes from ctx, or the configured timeout if ctx has none. Any I/O or
// framing error closes the connection.
func (t *TCPConn) RoundTrip(ctx context.Context, adu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := t.conn.Write(adu); err != nil {
		t.closeLocked()
		return nil, fmt.Errorf("write: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		t.closeLocked()
		return nil, fmt.Errorf("read header: %w", err)
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > maxLength {
		t.closeLocked()
		return nil, fmt.Errorf("invalid length: %d", length)
	}

	resp := make([]byte, headerSize+length-1)
	copy(resp, header)
	if _, err := io.ReadFull(t.conn, resp[headerSize:]); err != nil {
		t.closeLocked()
		return nil, fmt.Errorf("read pdu: %w", err)
	}
	return resp, nil
}

func (t *TCPConn) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
