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
	"strings"
)

// RegisterType selects one of the four Modbus address spaces.
type RegisterType int

const (
	Coils RegisterType = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

// String returns the string representation of the register type.
func (t RegisterType) String() string {
	switch t {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete-inputs"
	case HoldingRegisters:
		return "holding-registers"
	case InputRegisters:
		return "input-registers"
	default:
		return fmt.Sprintf("register-type(%d)", int(t))
	}
}

// IsBit reports whether the space holds single-bit values.
func (t RegisterType) IsBit() bool {
	return t == Coils || t == DiscreteInputs
}

// ParseRegisterType parses the names produced by String plus the usual
// short aliases (c, di, hr, ir).
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coils", "coil", "c":
		return Coils, nil
	case "discrete-inputs", "discrete_inputs", "discrete", "di":
		return DiscreteInputs, nil
	case "holding-registers", "holding_registers", "holding", "hr":
		return HoldingRegisters, nil
	case "input-registers", "input_registers", "input", "ir":
		return InputRegisters, nil
	}
	return 0, fmt.Errorf("modbus: unknown register type %q", s)
}

// DataType is the interpretation of the units a field occupies.
type DataType int

const (
	Boolean DataType = iota
	Byte
	Short
	UShort
	Float
	String
)

// String returns the string representation of the data type.
func (t DataType) String() string {
	switch t {
	case Boolean:
		return "BOOLEAN"
	case Byte:
		return "BYTE"
	case Short:
		return "SHORT"
	case UShort:
		return "USHORT"
	case Float:
		return "FLOAT"
	case String:
		return "STRING"
	default:
		return fmt.Sprintf("DATATYPE(%d)", int(t))
	}
}

// ParseDataType parses a data type name, case-insensitively.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BOOLEAN", "BOOL":
		return Boolean, nil
	case "BYTE", "BYTES":
		return Byte, nil
	case "SHORT", "INT16":
		return Short, nil
	case "USHORT", "UINT16", "UNSIGNED_SHORT":
		return UShort, nil
	case "FLOAT", "FLOAT32":
		return Float, nil
	case "STRING":
		return String, nil
	}
	return 0, fmt.Errorf("modbus: unknown data type %q", s)
}

var (
	bitDataTypes      = []DataType{Boolean}
	registerDataTypes = []DataType{Byte, Short, UShort, Float, String}
)

// Field describes one logical data point. Quantity counts bits for Boolean
// fields and 16-bit words for everything else.
type Field struct {
	RegisterType RegisterType
	DataType     DataType
	Address      int
	Quantity     int
}

// NewField returns a Field.
func NewField(rt RegisterType, dt DataType, address, quantity int) Field {
	return Field{RegisterType: rt, DataType: dt, Address: address, Quantity: quantity}
}

// End returns the first address past the field.
func (f Field) End() int {
	return f.Address + f.Quantity
}

func (f Field) String() string {
	return fmt.Sprintf("%s[%d:%d] %s", f.RegisterType, f.Address, f.End(), f.DataType)
}

// Validate checks that the field can be mapped at all.
func (f Field) Validate() error {
	if f.Address < 0 || f.Address > 0xFFFF {
		return fmt.Errorf("%w: field %s: address out of range", ErrInvalidAddress, f)
	}
	if f.Quantity < 1 || f.End() > 0x10000 {
		return fmt.Errorf("%w: field %s", ErrInvalidQuantity, f)
	}
	supported := registerDataTypes
	kind := "registers"
	if f.RegisterType.IsBit() {
		supported, kind = bitDataTypes, "bits"
	}
	legal := false
	for _, dt := range supported {
		if dt == f.DataType {
			legal = true
			break
		}
	}
	if !legal {
		return &UnsupportedTypeError{Kind: kind, Address: f.Address, DataType: f.DataType, Supported: supported}
	}
	if f.DataType == Float && f.Quantity%2 != 0 {
		return fmt.Errorf("%w: field %s: float fields need an even register count", ErrInvalidQuantity, f)
	}
	return nil
}

// FieldRegistry is the ordered, read-only address map of a FieldProcessor.
// Fields are expected in ascending address order; the last field bounds the
// legal address range.
type FieldRegistry struct {
	fields []Field
}

// NewFieldRegistry copies fields into a new registry.
func NewFieldRegistry(fields ...Field) *FieldRegistry {
	f := make([]Field, len(fields))
	copy(f, fields)
	return &FieldRegistry{fields: f}
}

// Fields returns a copy of the registered fields.
func (r *FieldRegistry) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of fields.
func (r *FieldRegistry) Len() int {
	return len(r.fields)
}

// Size returns the maximum addressable offset, last.Address+last.Quantity.
func (r *FieldRegistry) Size() int {
	if len(r.fields) == 0 {
		return 0
	}
	return r.fields[len(r.fields)-1].End()
}

// Validate checks every field and the ascending order the range check relies on.
func (r *FieldRegistry) Validate() error {
	for i, f := range r.fields {
		if err := f.Validate(); err != nil {
			return err
		}
		if i > 0 && f.Address < r.fields[i-1].Address {
			return fmt.Errorf("modbus: field %s is not in ascending address order", f)
		}
	}
	return nil
}
