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

// Package downstream provides Modbus master connections a gateway forwards
// requests to, built on github.com/goburrow/modbus.
package downstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/goburrow/serial"

	modbus "github.com/edgeo-scada/modbus-slave"
)

// Default settings.
const (
	DefaultTimeout     = 1 * time.Second
	DefaultIdleTimeout = 60 * time.Second
)

// RTUConfig configures a serial RTU downstream.
type RTUConfig struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
	Timeout  time.Duration
}

// TCPConfig configures a Modbus TCP downstream.
type TCPConfig struct {
	Address     string
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// Conn is the connection half of a goburrow client handler.
type Conn interface {
	Connect() error
	Close() error
}

// Client adapts a goburrow modbus.Client to modbus.Downstream.
type Client struct {
	conn    Conn
	client  gomodbus.Client
	setUnit func(byte)
}

var _ modbus.Downstream = (*Client)(nil)

// New wraps an existing goburrow client. setUnit selects the unit addressed by
// subsequent requests.
func New(client gomodbus.Client, conn Conn, setUnit func(byte)) *Client {
	return &Client{conn: conn, client: client, setUnit: setUnit}
}

// NewRTU creates a downstream on a serial line.
func NewRTU(cfg RTUConfig, logger *slog.Logger) *Client {
	h := gomodbus.NewRTUClientHandler(cfg.Device)
	h.Config = serialConfig(cfg)
	h.IdleTimeout = DefaultIdleTimeout
	if logger != nil && logger.Enabled(context.Background(), slog.LevelDebug) {
		h.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	}
	return New(gomodbus.NewClient(h), h, func(id byte) { h.SlaveId = id })
}

// NewTCP creates a downstream on a Modbus TCP connection.
func NewTCP(cfg TCPConfig, logger *slog.Logger) *Client {
	h := gomodbus.NewTCPClientHandler(cfg.Address)
	h.Timeout = cfg.Timeout
	if h.Timeout <= 0 {
		h.Timeout = DefaultTimeout
	}
	h.IdleTimeout = cfg.IdleTimeout
	if h.IdleTimeout <= 0 {
		h.IdleTimeout = DefaultIdleTimeout
	}
	if logger != nil && logger.Enabled(context.Background(), slog.LevelDebug) {
		h.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	}
	return New(gomodbus.NewClient(h), h, func(id byte) { h.SlaveId = id })
}

func serialConfig(cfg RTUConfig) serial.Config {
	sc := serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	}
	if sc.BaudRate == 0 {
		sc.BaudRate = 19200
	}
	if sc.DataBits == 0 {
		sc.DataBits = 8
	}
	if sc.StopBits == 0 {
		sc.StopBits = 1
	}
	if sc.Parity == "" {
		sc.Parity = "E"
	}
	if sc.Timeout <= 0 {
		sc.Timeout = DefaultTimeout
	}
	return sc
}

// Connect opens the underlying connection.
func (c *Client) Connect() error {
	if err := c.conn.Connect(); err != nil {
		return fmt.Errorf("downstream: connect: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetUnitID selects the unit addressed by subsequent requests.
func (c *Client) SetUnitID(id modbus.UnitID) {
	c.setUnit(byte(id))
}

// ReadCoils reads quantity coils.
func (c *Client) ReadCoils(address, quantity uint16) ([]bool, error) {
	b, err := c.client.ReadCoils(address, quantity)
	if err != nil {
		return nil, convert(modbus.FuncReadCoils, err)
	}
	return unpackBits(b, int(quantity))
}

// ReadDiscreteInputs reads quantity discrete inputs.
func (c *Client) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	b, err := c.client.ReadDiscreteInputs(address, quantity)
	if err != nil {
		return nil, convert(modbus.FuncReadDiscreteInputs, err)
	}
	return unpackBits(b, int(quantity))
}

// ReadHoldingRegisters reads quantity holding registers.
func (c *Client) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	b, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, convert(modbus.FuncReadHoldingRegisters, err)
	}
	return unpackRegisters(b, int(quantity))
}

// ReadInputRegisters reads quantity input registers.
func (c *Client) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	b, err := c.client.ReadInputRegisters(address, quantity)
	if err != nil {
		return nil, convert(modbus.FuncReadInputRegisters, err)
	}
	return unpackRegisters(b, int(quantity))
}

// WriteSingleCoil writes one coil.
func (c *Client) WriteSingleCoil(address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.client.WriteSingleCoil(address, v)
	return convert(modbus.FuncWriteSingleCoil, err)
}

// WriteMultipleCoils writes consecutive coils.
func (c *Client) WriteMultipleCoils(address uint16, values []bool) error {
	_, err := c.client.WriteMultipleCoils(address, uint16(len(values)), packBits(values))
	return convert(modbus.FuncWriteMultipleCoils, err)
}

// WriteSingleRegister writes one holding register.
func (c *Client) WriteSingleRegister(address, value uint16) error {
	_, err := c.client.WriteSingleRegister(address, value)
	return convert(modbus.FuncWriteSingleRegister, err)
}

// WriteMultipleRegisters writes consecutive holding registers.
func (c *Client) WriteMultipleRegisters(address uint16, values []uint16) error {
	_, err := c.client.WriteMultipleRegisters(address, uint16(len(values)), packRegisters(values))
	return convert(modbus.FuncWriteMultipleRegisters, err)
}

// convert maps a goburrow exception to a modbus.ModbusError so the exception
// code travels back to the master.
func convert(fc modbus.FunctionCode, err error) error {
	if err == nil {
		return nil
	}
	var me *gomodbus.ModbusError
	if errors.As(err, &me) {
		return fmt.Errorf("downstream: %w", modbus.NewModbusError(fc, modbus.ExceptionCode(me.ExceptionCode)))
	}
	return fmt.Errorf("downstream: %w", err)
}

func unpackBits(b []byte, quantity int) ([]bool, error) {
	if len(b) < (quantity+7)/8 {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", modbus.ErrInvalidResponse, len(b), quantity)
	}
	out := make([]bool, quantity)
	for i := range out {
		out[i] = b[i/8]&(1<<(i%8)) != 0
	}
	return out, nil
}

func unpackRegisters(b []byte, quantity int) ([]uint16, error) {
	if len(b) < quantity*2 {
		return nil, fmt.Errorf("%w: %d bytes for %d registers", modbus.ErrInvalidResponse, len(b), quantity)
	}
	out := make([]uint16, quantity)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return out, nil
}

func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func packRegisters(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}
