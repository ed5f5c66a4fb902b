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

// Package modbus provides a field-mapped Modbus TCP slave: a codec between
// typed application values and register tables, a request dispatcher that
// routes requests to an application backend, and a connection engine with a
// deterministic stop handshake.
package modbus

import (
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// IsRead reports whether fc reads one of the four tables.
func (fc FunctionCode) IsRead() bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return true
	}
	return false
}

// IsWrite reports whether fc writes coils or holding registers.
func (fc FunctionCode) IsWrite() bool {
	switch fc {
	case FuncWriteSingleCoil, FuncWriteMultipleCoils, FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		return true
	}
	return false
}

// IsSingle reports whether fc carries exactly one unit and no quantity field.
func (fc FunctionCode) IsSingle() bool {
	return fc == FuncWriteSingleCoil || fc == FuncWriteSingleRegister
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be written at once.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxADUSize is the largest Modbus TCP application data unit.
	MaxADUSize = 260

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default timeout for Modbus operations.
	DefaultTimeout = 5 * time.Second

	// DefaultCloseTimeout bounds how long Stop waits for the worker.
	DefaultCloseTimeout = 5 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Backend is the application side of a FieldProcessor. Connect is called when
// the first client connects and Disconnect when the last one leaves; Read and
// Write exchange typed field values (see Mapper for the value types).
//
// A Backend is reused sequentially by one engine. If it is shared with a
// second engine the caller must serialize access.
type Backend interface {
	Connect() error
	Disconnect() error
	Read(field Field) (any, error)
	Write(field Field, value any) error
}

// Processor handles the requests a Slave receives.
type Processor interface {
	Connect() error
	Disconnect() error
	// Read fills req.Mapping with the data the request asks for.
	Read(req *Request) error
	// Write consumes the data a write request stored in req.Mapping.
	Write(req *Request) error
}

// Request is one parsed inbound request handed to a Processor. Mapping is
// borrowed for the duration of the call only.
type Request struct {
	UnitID       UnitID
	FunctionCode FunctionCode
	Address      int
	Quantity     int
	Time         time.Time
	Mapping      *Mapping
}

// State is the lifecycle state of a Slave.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateClosing
	StateClosed
)

// String returns the string representation of the slave state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
