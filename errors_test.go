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
	"testing"
)

func TestExceptionCode_String(t *testing.T) {
	tests := []struct {
		code     ExceptionCode
		expected string
	}{
		{ExceptionIllegalFunction, "illegal function"},
		{ExceptionIllegalDataAddress, "illegal data address"},
		{ExceptionIllegalDataValue, "illegal data value"},
		{ExceptionServerDeviceFailure, "server device failure"},
		{ExceptionAcknowledge, "acknowledge"},
		{ExceptionServerDeviceBusy, "server device busy"},
		{ExceptionCode(0xFF), "unknown exception (0xFF)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.code.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.code.String())
			}
		})
	}
}

func TestModbusError_Is(t *testing.T) {
	err1 := NewModbusError(FuncReadCoils, ExceptionIllegalFunction)
	err2 := NewModbusError(FuncWriteSingleCoil, ExceptionIllegalFunction)
	err3 := NewModbusError(FuncReadCoils, ExceptionIllegalDataAddress)

	if !errors.Is(err1, err2) {
		t.Error("Errors with same exception code should match")
	}
	if errors.Is(err1, err3) {
		t.Error("Errors with different exception codes should not match")
	}
	if !IsIllegalFunction(fmt.Errorf("wrapped: %w", err1)) {
		t.Error("IsIllegalFunction should see through wrapping")
	}
}

func TestExceptionCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExceptionCode
	}{
		{"address error", &AddressError{Description: "field registry", Size: 10}, ExceptionIllegalDataAddress},
		{"illegal function error", &IllegalFunctionError{FunctionCode: FuncReadCoils, RegisterType: HoldingRegisters}, ExceptionIllegalFunction},
		{"wrapped sentinel", fmt.Errorf("read: %w", ErrIllegalDataAddress), ExceptionIllegalDataAddress},
		{"modbus error", fmt.Errorf("downstream: %w", NewModbusError(FuncReadCoils, ExceptionServerDeviceBusy)), ExceptionServerDeviceBusy},
		{"unsupported type", &UnsupportedTypeError{Kind: "bits", DataType: Float, Supported: bitDataTypes}, ExceptionServerDeviceFailure},
		{"other", errors.New("disk full"), ExceptionServerDeviceFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExceptionCodeOf(tt.err); got != tt.want {
				t.Errorf("ExceptionCodeOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	err := &UnsupportedTypeError{Kind: "registers", Address: 7, DataType: Boolean, Supported: registerDataTypes}
	want := "modbus: unknown data type for registers at address 7: BOOLEAN (supported: BYTE, SHORT, USHORT, FLOAT, STRING)"
	if err.Error() != want {
		t.Errorf("got %q", err.Error())
	}
	if !errors.Is(err, ErrUnsupportedType) {
		t.Error("UnsupportedTypeError should match ErrUnsupportedType")
	}

	mbErr := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	if mbErr.Error() != "modbus: exception illegal data address (FC=03)" {
		t.Errorf("got %q", mbErr.Error())
	}

	addr := &AddressError{Description: "coil", Size: 4}
	if addr.Error() != "modbus: coil: invalid address: 4" {
		t.Errorf("got %q", addr.Error())
	}
}
