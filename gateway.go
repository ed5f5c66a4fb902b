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
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Downstream is a Modbus master connection a GatewayProcessor forwards to,
// typically a serial RTU line. Implementations need not be safe for
// concurrent use.
type Downstream interface {
	Connect() error
	Close() error
	SetUnitID(id UnitID)
	ReadCoils(address, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(address, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(address, quantity uint16) ([]uint16, error)
	WriteSingleCoil(address uint16, value bool) error
	WriteMultipleCoils(address uint16, values []bool) error
	WriteSingleRegister(address, value uint16) error
	WriteMultipleRegisters(address uint16, values []uint16) error
}

// GatewayProcessor is a Processor that forwards every request to a
// Downstream master, addressing the unit the request was sent to. Downstream
// calls are serialized, so the Downstream may also be used by other code
// holding the lock through Do.
type GatewayProcessor struct {
	down   Downstream
	server *Server
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewGatewayProcessor creates a GatewayProcessor for down.
func NewGatewayProcessor(down Downstream, opts ...ServerOption) *GatewayProcessor {
	g := &GatewayProcessor{down: down}
	g.server = NewServer(g, opts...)
	g.logger = g.server.opts.logger
	return g
}

// Start opens the slave on addr and serves it in the background.
func (g *GatewayProcessor) Start(addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.server.Start(addr); err != nil {
		return err
	}
	g.running = true
	return nil
}

// Stop closes the slave. Reads arriving while stopping are not forwarded.
func (g *GatewayProcessor) Stop(timeout time.Duration) error {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	return g.server.Stop(timeout)
}

// Addr returns the listening address, or nil if not started.
func (g *GatewayProcessor) Addr() net.Addr {
	return g.server.Addr()
}

// Metrics returns the metrics of the embedded server.
func (g *GatewayProcessor) Metrics() *ServerMetrics {
	return g.server.Metrics()
}

// Do runs fn with exclusive access to the downstream.
func (g *GatewayProcessor) Do(fn func(Downstream) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.down)
}

// Connect opens the downstream when the first master connects.
func (g *GatewayProcessor) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.down.Connect()
}

// Disconnect closes the downstream when the last master leaves.
func (g *GatewayProcessor) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.down.Close()
}

// Read fills the table the request addresses from the downstream.
func (g *GatewayProcessor) Read(req *Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return nil
	}
	g.down.SetUnitID(req.UnitID)

	addr, qty := uint16(req.Address), uint16(req.Quantity)
	switch req.FunctionCode {
	case FuncReadCoils, FuncReadDiscreteInputs:
		table := req.Mapping.Bits
		read := g.down.ReadCoils
		if req.FunctionCode == FuncReadDiscreteInputs {
			table = req.Mapping.InputBits
			read = g.down.ReadDiscreteInputs
		}
		values, err := read(addr, qty)
		if err != nil {
			return fmt.Errorf("modbus: unable to read %d bits at %d: %w", qty, addr, err)
		}
		for i := 0; i < req.Quantity && i < len(values); i++ {
			if values[i] {
				table[req.Address+i] = 1
			}
			g.logger.Debug("read", slog.Int("address", req.Address+i), slog.Bool("value", values[i]))
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		table := req.Mapping.Registers
		read := g.down.ReadHoldingRegisters
		if req.FunctionCode == FuncReadInputRegisters {
			table = req.Mapping.InputRegisters
			read = g.down.ReadInputRegisters
		}
		values, err := read(addr, qty)
		if err != nil {
			return fmt.Errorf("modbus: unable to read %d registers at %d: %w", qty, addr, err)
		}
		for i := 0; i < req.Quantity && i < len(values); i++ {
			table[req.Address+i] = values[i]
			g.logger.Debug("read", slog.Int("address", req.Address+i), slog.String("value", fmt.Sprintf("0x%04X", values[i])))
		}
	default:
		return fmt.Errorf("%w: invalid function code for reading values: %d (supported: 1, 2, 3, 4)",
			ErrIllegalFunction, req.FunctionCode)
	}
	return nil
}

// Write forwards the values a write request stored in the mapping.
func (g *GatewayProcessor) Write(req *Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down.SetUnitID(req.UnitID)

	addr := uint16(req.Address)
	m := req.Mapping
	var err error
	switch req.FunctionCode {
	case FuncWriteSingleCoil:
		err = g.down.WriteSingleCoil(addr, m.Bits[req.Address] == 1)
	case FuncWriteMultipleCoils:
		values := make([]bool, req.Quantity)
		for i := range values {
			values[i] = m.Bits[req.Address+i] == 1
		}
		err = g.down.WriteMultipleCoils(addr, values)
	case FuncWriteSingleRegister:
		err = g.down.WriteSingleRegister(addr, m.Registers[req.Address])
	case FuncWriteMultipleRegisters:
		values := make([]uint16, req.Quantity)
		copy(values, m.Registers[req.Address:req.Address+req.Quantity])
		err = g.down.WriteMultipleRegisters(addr, values)
	default:
		return fmt.Errorf("%w: invalid function code for writing values: %d (supported: 5, 6, 15, 16)",
			ErrIllegalFunction, req.FunctionCode)
	}
	if err != nil {
		return fmt.Errorf("modbus: unable to write %d units at %d: %w", req.Quantity, addr, err)
	}
	return nil
}
