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
	"fmt"
	"log/slog"
	"strings"
)

// Mapper converts between typed field values and register tables.
//
// Tables are indexed by absolute address and their length is the table size.
// Values use these Go types:
//
//	Boolean  []bool     one bit per unit
//	Byte     []byte     two bytes per register, high byte first
//	Short    []int16    one register per value
//	UShort   []uint16   one register per value
//	Float    []float32  two registers per value, layout by FloatEncoder
//	String   []string   all registers form one UTF-8 string
//
// A nil value encodes as zeros. Missing trailing values encode as zero.
type Mapper struct {
	floats FloatEncoder
	logger *slog.Logger
}

// NewMapper creates a Mapper using floats for two-register floats.
func NewMapper(floats FloatEncoder, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{floats: floats, logger: logger}
}

func (m *Mapper) tracing() bool {
	return m.logger.Enabled(context.Background(), slog.LevelDebug)
}

func (m *Mapper) trace(op, description string, key int, value string) {
	m.logger.Debug(op+" "+description,
		slog.Int("address", key),
		slog.String("value", value))
}

func checkBounds(address, quantity, size int, description string) error {
	if address < 0 || address+quantity > size {
		return &AddressError{Description: description, Size: size}
	}
	return nil
}

// DecodeBits reads a Boolean field from a bit table.
func (m *Mapper) DecodeBits(src []uint8, f Field, description string) (any, error) {
	if f.DataType != Boolean {
		return nil, &UnsupportedTypeError{Kind: "bits", Address: f.Address, DataType: f.DataType, Supported: bitDataTypes}
	}
	if err := checkBounds(f.Address, f.Quantity, len(src), description); err != nil {
		return nil, err
	}
	trace := m.tracing()
	ret := make([]bool, f.Quantity)
	for i := range ret {
		key := f.Address + i
		if trace {
			m.trace("read", description, key, fmt.Sprintf("0x%02X", src[key]))
		}
		ret[i] = src[key] == 1
	}
	return ret, nil
}

// EncodeBits writes a Boolean field into a bit table.
func (m *Mapper) EncodeBits(dst []uint8, f Field, value any, description string) error {
	var values []bool
	if value != nil {
		if f.DataType != Boolean {
			return &UnsupportedTypeError{Kind: "bits", Address: f.Address, DataType: f.DataType, Supported: bitDataTypes}
		}
		v, ok := value.([]bool)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
		}
		values = v
	}
	if err := checkBounds(f.Address, f.Quantity, len(dst), description); err != nil {
		return err
	}
	trace := m.tracing()
	for i := 0; i < f.Quantity; i++ {
		var bit uint8
		if i < len(values) && values[i] {
			bit = 1
		}
		key := f.Address + i
		dst[key] = bit
		if trace {
			m.trace("wrote", description, key, fmt.Sprintf("0x%02X", bit))
		}
	}
	return nil
}

// DecodeRegisters reads a register-backed field from a register table.
func (m *Mapper) DecodeRegisters(src []uint16, f Field, description string) (any, error) {
	switch f.DataType {
	case Byte, Short, UShort, Float, String:
	default:
		return nil, &UnsupportedTypeError{Kind: "registers", Address: f.Address, DataType: f.DataType, Supported: registerDataTypes}
	}
	if err := checkBounds(f.Address, f.Quantity, len(src), description); err != nil {
		return nil, err
	}
	words := src[f.Address:f.End()]
	if m.tracing() {
		for i, w := range words {
			m.trace("read", description, f.Address+i, fmt.Sprintf("0x%04X", w))
		}
	}

	switch f.DataType {
	case Byte:
		return wordsToBytes(words), nil
	case Short:
		ret := make([]int16, len(words))
		for i, w := range words {
			ret[i] = int16(w)
		}
		return ret, nil
	case UShort:
		ret := make([]uint16, len(words))
		copy(ret, words)
		return ret, nil
	case Float:
		ret := make([]float32, len(words)/2)
		for i := range ret {
			ret[i] = m.floats.GetFloat(words[i*2 : i*2+2])
			if m.tracing() {
				m.logger.Debug("decoded float", slog.Float64("value", float64(ret[i])))
			}
		}
		return ret, nil
	default:
		s := strings.ToValidUTF8(string(wordsToBytes(words)), "�")
		if m.tracing() {
			m.logger.Debug("decoded string", slog.String("value", s))
		}
		return []string{s}, nil
	}
}

// EncodeRegisters writes a register-backed field into a register table.
func (m *Mapper) EncodeRegisters(dst []uint16, f Field, value any, description string) error {
	if value == nil {
		if err := checkBounds(f.Address, f.Quantity, len(dst), description); err != nil {
			return err
		}
		m.putBytes(dst, f, nil, description)
		return nil
	}

	switch f.DataType {
	case Byte, Short, UShort, Float, String:
	default:
		return &UnsupportedTypeError{Kind: "registers", Address: f.Address, DataType: f.DataType, Supported: registerDataTypes}
	}
	if err := checkBounds(f.Address, f.Quantity, len(dst), description); err != nil {
		return err
	}

	switch f.DataType {
	case Byte:
		v, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
		}
		m.putBytes(dst, f, v, description)
	case Short:
		v, ok := value.([]int16)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
		}
		for i := 0; i < f.Quantity; i++ {
			var w uint16
			if i < len(v) {
				w = uint16(v[i])
			}
			m.putWord(dst, f.Address+i, w, description)
		}
	case UShort:
		v, ok := value.([]uint16)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
		}
		for i := 0; i < f.Quantity; i++ {
			var w uint16
			if i < len(v) {
				w = v[i]
			}
			m.putWord(dst, f.Address+i, w, description)
		}
	case Float:
		v, ok := value.([]float32)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
		}
		var pair [2]uint16
		for i := 0; i < f.Quantity/2; i++ {
			var fv float32
			if i < len(v) {
				fv = v[i]
			}
			m.floats.SetFloat(fv, pair[:])
			m.putWord(dst, f.Address+i*2, pair[0], description)
			m.putWord(dst, f.Address+i*2+1, pair[1], description)
		}
	case String:
		v, ok := value.([]string)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
		}
		m.putBytes(dst, f, []byte(strings.Join(v, "")), description)
	}
	return nil
}

// putBytes packs b into the field's registers, high byte first, padding with
// zeros and truncating at the field end.
func (m *Mapper) putBytes(dst []uint16, f Field, b []byte, description string) {
	for i := 0; i < f.Quantity*2; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		m.putWord(dst, f.Address+i/2, uint16(hi)<<8|uint16(lo), description)
	}
}

func (m *Mapper) putWord(dst []uint16, key int, w uint16, description string) {
	dst[key] = w
	if m.tracing() {
		m.trace("wrote", description, key, fmt.Sprintf("0x%04X", w))
	}
}

func wordsToBytes(words []uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		b[i*2] = byte(w >> 8)
		b[i*2+1] = byte(w)
	}
	return b
}
