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
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("localhost:502")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if client.IsConnected() {
		t.Error("new client should not be connected")
	}
	if _, err := NewClient(""); err == nil {
		t.Error("Expected error for empty address")
	}
}

func TestClientWithOptions(t *testing.T) {
	client, err := NewClient("localhost:502",
		WithUnitID(5),
		WithTimeout(10*time.Second),
		WithAutoReconnect(true),
		WithMaxRetries(5),
		WithFloatOrder(DCBA),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if client.UnitID() != 5 {
		t.Errorf("UnitID: expected 5, got %d", client.UnitID())
	}
	if client.opts.timeout != 10*time.Second {
		t.Errorf("Timeout: expected 10s, got %v", client.opts.timeout)
	}
	if !client.opts.autoReconnect || client.opts.maxRetries != 5 {
		t.Errorf("reconnect options = %v/%d", client.opts.autoReconnect, client.opts.maxRetries)
	}
	if client.opts.floatOrder != DCBA {
		t.Errorf("FloatOrder: expected DCBA, got %s", client.opts.floatOrder)
	}

	client.SetUnitID(10)
	if client.UnitID() != 10 {
		t.Errorf("UnitID: expected 10, got %d", client.UnitID())
	}
}

func TestClientNotConnected(t *testing.T) {
	client, err := NewClient("127.0.0.1:1")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if _, err := client.ReadCoils(context.Background(), 0, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		t.Error("Expected connection error")
	}
}

func TestClientFieldRejections(t *testing.T) {
	client, err := NewClient("localhost:502")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	if err := client.WriteField(ctx, NewField(InputRegisters, UShort, 0, 1), []uint16{1}); !errors.Is(err, ErrIllegalFunction) {
		t.Errorf("write input register: expected ErrIllegalFunction, got %v", err)
	}
	if _, err := client.ReadField(ctx, NewField(HoldingRegisters, Float, 0, 3)); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("odd float: expected ErrInvalidQuantity, got %v", err)
	}
	if err := client.WriteField(ctx, NewField(Coils, Short, 0, 1), nil); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("short coil: expected ErrUnsupportedType, got %v", err)
	}
}

func TestPlanBlocks(t *testing.T) {
	fields := []Field{
		NewField(HoldingRegisters, UShort, 20, 1),
		NewField(Coils, Boolean, 0, 4),
		NewField(HoldingRegisters, Float, 10, 2),
		NewField(HoldingRegisters, String, 12, 4),
		NewField(HoldingRegisters, UShort, 100, 125),
		NewField(Coils, Boolean, 4, 2),
		NewField(HoldingRegisters, Float, 0, 3),
	}
	blocks := planBlocks(fields)

	want := []struct {
		rt         RegisterType
		start, end int
		fields     int
	}{
		{Coils, 0, 6, 2},
		{HoldingRegisters, 10, 16, 2},
		{HoldingRegisters, 20, 21, 1},
		{HoldingRegisters, 100, 225, 1},
	}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %+v", blocks)
	}
	for i, w := range want {
		b := blocks[i]
		if b.rt != w.rt || b.start != w.start || b.end != w.end || len(b.fields) != w.fields {
			t.Errorf("block %d = %+v, want %+v", i, b, w)
		}
	}
}

// scriptedSlave answers every request with reply(request).
func scriptedSlave(t *testing.T, reply func(req []byte) []byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			header := make([]byte, MBAPHeaderSize)
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			req := make([]byte, MBAPHeaderSize+int(binary.BigEndian.Uint16(header[4:6]))-1)
			copy(req, header)
			if _, err := io.ReadFull(conn, req[MBAPHeaderSize:]); err != nil {
				return
			}
			if _, err := conn.Write(reply(req)); err != nil {
				return
			}
		}
	}()
	return l.Addr().String()
}

func TestClientResponseValidation(t *testing.T) {
	tests := []struct {
		name  string
		reply func(req []byte) []byte
		check func(error) bool
	}{
		{
			name: "transaction mismatch",
			reply: func(req []byte) []byte {
				return []byte{req[0], req[1] + 1, 0, 0, 0, 5, req[6], 0x03, 0x02, 0x00, 0x01}
			},
			check: func(err error) bool { return errors.Is(err, ErrInvalidResponse) },
		},
		{
			name: "unit mismatch",
			reply: func(req []byte) []byte {
				return []byte{req[0], req[1], 0, 0, 0, 5, req[6] + 1, 0x03, 0x02, 0x00, 0x01}
			},
			check: func(err error) bool { return errors.Is(err, ErrInvalidResponse) },
		},
		{
			name: "function mismatch",
			reply: func(req []byte) []byte {
				return []byte{req[0], req[1], 0, 0, 0, 5, req[6], 0x04, 0x02, 0x00, 0x01}
			},
			check: func(err error) bool { return errors.Is(err, ErrInvalidResponse) },
		},
		{
			name: "exception",
			reply: func(req []byte) []byte {
				return []byte{req[0], req[1], 0, 0, 0, 3, req[6], 0x83, 0x06}
			},
			check: func(err error) bool { return IsException(err, ExceptionServerDeviceBusy) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, scriptedSlave(t, tt.reply))
			_, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
			if !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
			if c.Metrics().RequestsErrors.Value() != 1 {
				t.Errorf("RequestsErrors = %d, want 1", c.Metrics().RequestsErrors.Value())
			}
		})
	}
}

func TestClientReconnect(t *testing.T) {
	backend := NewMemoryBackend()
	p := startFieldServer(t, backend)
	addr := p.Addr().String()

	c := dial(t, addr, WithAutoReconnect(true), WithReconnectBackoff(10*time.Millisecond))
	ctx := context.Background()
	if _, err := c.ReadCoils(ctx, 0, 1); err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}

	// Drop the connection under the client.
	c.conn.Close()

	if _, err := c.ReadCoils(ctx, 0, 1); err != nil {
		t.Fatalf("ReadCoils after reconnect failed: %v", err)
	}
	if c.Metrics().Reconnections.Value() == 0 {
		t.Error("expected a reconnection")
	}
}
