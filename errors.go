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
	"strings"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction     ExceptionCode = 0x01
	ExceptionIllegalDataAddress  ExceptionCode = 0x02
	ExceptionIllegalDataValue    ExceptionCode = 0x03
	ExceptionServerDeviceFailure ExceptionCode = 0x04
	ExceptionAcknowledge         ExceptionCode = 0x05
	ExceptionServerDeviceBusy    ExceptionCode = 0x06
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// Common errors.
var (
	// ErrIllegalDataAddress indicates a request range outside the field
	// registry or outside a register table.
	ErrIllegalDataAddress = errors.New("modbus: illegal data address")

	// ErrIllegalFunction indicates a function code that does not match the
	// register category it targets.
	ErrIllegalFunction = errors.New("modbus: illegal function")

	// ErrUnsupportedType indicates a data type the register category cannot carry.
	ErrUnsupportedType = errors.New("modbus: unsupported data type")

	// ErrValueType indicates a backend value of the wrong Go type for a field.
	ErrValueType = errors.New("modbus: unexpected value type")

	// ErrInvalidResponse indicates the response was malformed or unexpected.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInvalidFrame indicates a malformed frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrConnectionClosed indicates the peer closed or reset the connection.
	ErrConnectionClosed = errors.New("modbus: connection closed")

	// ErrTransportClosed indicates the transport context was closed.
	ErrTransportClosed = errors.New("modbus: transport closed")

	// ErrOpen indicates the slave could not bind its listening socket.
	ErrOpen = errors.New("modbus: unable to open slave")

	// ErrCloseTimeout indicates the worker did not acknowledge a close in time.
	ErrCloseTimeout = errors.New("modbus: close timed out")

	// ErrNotStarted indicates Stop was called on a server that is not running.
	ErrNotStarted = errors.New("modbus: server not started")

	// ErrInvalidQuantity indicates an invalid quantity was specified.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrInvalidAddress indicates an invalid address was specified.
	ErrInvalidAddress = errors.New("modbus: invalid address")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("modbus: not connected")

	// ErrMaxRetriesExceeded indicates the client gave up on a request.
	ErrMaxRetriesExceeded = errors.New("modbus: max retries exceeded")
)

// AddressError reports an access beyond the bounds of a table or registry.
type AddressError struct {
	Description string
	Size        int
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("modbus: %s: invalid address: %d", e.Description, e.Size)
}

// Is matches ErrIllegalDataAddress.
func (e *AddressError) Is(target error) bool {
	return target == ErrIllegalDataAddress
}

// IllegalFunctionError reports a function code used against the wrong
// register category.
type IllegalFunctionError struct {
	FunctionCode FunctionCode
	RegisterType RegisterType
}

func (e *IllegalFunctionError) Error() string {
	return fmt.Sprintf("modbus: illegal function %s for %s", e.FunctionCode, e.RegisterType)
}

// Is matches ErrIllegalFunction.
func (e *IllegalFunctionError) Is(target error) bool {
	return target == ErrIllegalFunction
}

// UnsupportedTypeError reports a data type the codec cannot map onto a table.
type UnsupportedTypeError struct {
	Kind      string // "bits" or "registers"
	Address   int
	DataType  DataType
	Supported []DataType
}

func (e *UnsupportedTypeError) Error() string {
	names := make([]string, len(e.Supported))
	for i, dt := range e.Supported {
		names[i] = dt.String()
	}
	return fmt.Sprintf("modbus: unknown data type for %s at address %d: %s (supported: %s)",
		e.Kind, e.Address, e.DataType, strings.Join(names, ", "))
}

// Is matches ErrUnsupportedType.
func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

// ExceptionCodeOf maps an error returned by a Processor to the exception code
// sent to the master.
func ExceptionCodeOf(err error) ExceptionCode {
	var modbusErr *ModbusError
	switch {
	case errors.As(err, &modbusErr):
		return modbusErr.ExceptionCode
	case errors.Is(err, ErrIllegalFunction):
		return ExceptionIllegalFunction
	case errors.Is(err, ErrIllegalDataAddress):
		return ExceptionIllegalDataAddress
	default:
		return ExceptionServerDeviceFailure
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}
