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
	"testing"
)

func TestMapperBitsRoundTrip(t *testing.T) {
	m := NewMapper(ABCD, nil)
	f := NewField(Coils, Boolean, 5, 3)
	table := make([]uint8, 10)

	if err := m.EncodeBits(table, f, []bool{true, false, true}, "coils"); err != nil {
		t.Fatalf("EncodeBits failed: %v", err)
	}
	want := []uint8{0, 0, 0, 0, 0, 1, 0, 1, 0, 0}
	for i := range want {
		if table[i] != want[i] {
			t.Fatalf("table = %v, want %v", table, want)
		}
	}

	v, err := m.DecodeBits(table, f, "coils")
	if err != nil {
		t.Fatalf("DecodeBits failed: %v", err)
	}
	got := v.([]bool)
	if len(got) != 3 || !got[0] || got[1] || !got[2] {
		t.Errorf("decoded %v", got)
	}
}

func TestMapperBitsNil(t *testing.T) {
	m := NewMapper(ABCD, nil)
	f := NewField(Coils, Boolean, 5, 3)
	table := []uint8{1, 1, 1, 1, 1, 1, 1, 1}

	if err := m.EncodeBits(table, f, nil, "coils"); err != nil {
		t.Fatalf("EncodeBits failed: %v", err)
	}
	if table[5] != 0 || table[6] != 0 || table[7] != 0 || table[4] != 1 {
		t.Errorf("table = %v", table)
	}
}

func TestMapperBitsErrors(t *testing.T) {
	m := NewMapper(ABCD, nil)

	err := m.EncodeBits(make([]uint8, 4), NewField(Coils, Boolean, 2, 3), []bool{true}, "coils")
	if !errors.Is(err, ErrIllegalDataAddress) {
		t.Errorf("out of bounds: expected ErrIllegalDataAddress, got %v", err)
	}
	if _, err := m.DecodeBits(make([]uint8, 4), NewField(Coils, Short, 0, 1), "coils"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("short bits: expected ErrUnsupportedType, got %v", err)
	}
	if err := m.EncodeBits(make([]uint8, 4), NewField(Coils, Boolean, 0, 1), []uint16{1}, "coils"); !errors.Is(err, ErrValueType) {
		t.Errorf("wrong value: expected ErrValueType, got %v", err)
	}
}

func TestMapperRegistersRoundTrip(t *testing.T) {
	m := NewMapper(CDAB, nil)
	tests := []struct {
		name  string
		field Field
		value any
	}{
		{"bytes", NewField(HoldingRegisters, Byte, 1, 2), []byte{0x42, 0x47, 0x01, 0x02}},
		{"shorts", NewField(HoldingRegisters, Short, 0, 3), []int16{-1, 0, 300}},
		{"ushorts", NewField(InputRegisters, UShort, 4, 2), []uint16{0xFFFF, 7}},
		{"floats", NewField(HoldingRegisters, Float, 2, 4), []float32{49.996532, -1.5}},
		{"string", NewField(InputRegisters, String, 0, 3), []string{"hello!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := make([]uint16, 8)
			if err := m.EncodeRegisters(table, tt.field, tt.value, "test"); err != nil {
				t.Fatalf("EncodeRegisters failed: %v", err)
			}
			got, err := m.DecodeRegisters(table, tt.field, "test")
			if err != nil {
				t.Fatalf("DecodeRegisters failed: %v", err)
			}
			if FormatValue(got) != FormatValue(tt.value) {
				t.Errorf("round trip: got %s, want %s", FormatValue(got), FormatValue(tt.value))
			}
		})
	}
}

func TestMapperBytesHighFirst(t *testing.T) {
	m := NewMapper(ABCD, nil)
	table := make([]uint16, 2)
	f := NewField(HoldingRegisters, Byte, 0, 2)

	if err := m.EncodeRegisters(table, f, []byte{0x42, 0x47, 0x10}, "hr"); err != nil {
		t.Fatalf("EncodeRegisters failed: %v", err)
	}
	if table[0] != 0x4247 || table[1] != 0x1000 {
		t.Errorf("table = %04X, want [4247 1000]", table)
	}
}

func TestMapperStringPadding(t *testing.T) {
	m := NewMapper(ABCD, nil)
	table := []uint16{0xFFFF, 0xFFFF, 0xFFFF}
	f := NewField(HoldingRegisters, String, 0, 2)

	if err := m.EncodeRegisters(table, f, []string{"abcdef"}, "hr"); err != nil {
		t.Fatalf("EncodeRegisters failed: %v", err)
	}
	if table[0] != 0x6162 || table[1] != 0x6364 || table[2] != 0xFFFF {
		t.Errorf("table = %04X", table)
	}

	if err := m.EncodeRegisters(table, f, []string{"a"}, "hr"); err != nil {
		t.Fatal(err)
	}
	if table[0] != 0x6100 || table[1] != 0 {
		t.Errorf("padding: table = %04X", table)
	}
}

func TestMapperRegistersNil(t *testing.T) {
	m := NewMapper(ABCD, nil)
	table := []uint16{1, 2, 3}
	if err := m.EncodeRegisters(table, NewField(HoldingRegisters, Float, 0, 2), nil, "hr"); err != nil {
		t.Fatalf("EncodeRegisters failed: %v", err)
	}
	if table[0] != 0 || table[1] != 0 || table[2] != 3 {
		t.Errorf("table = %v", table)
	}
}

func TestMapperRegistersErrors(t *testing.T) {
	m := NewMapper(ABCD, nil)
	table := make([]uint16, 4)

	if _, err := m.DecodeRegisters(table, NewField(HoldingRegisters, UShort, 3, 2), "hr"); !errors.Is(err, ErrIllegalDataAddress) {
		t.Errorf("decode bounds: expected ErrIllegalDataAddress, got %v", err)
	}
	if err := m.EncodeRegisters(table, NewField(HoldingRegisters, UShort, 3, 2), nil, "hr"); !errors.Is(err, ErrIllegalDataAddress) {
		t.Errorf("encode bounds: expected ErrIllegalDataAddress, got %v", err)
	}
	if _, err := m.DecodeRegisters(table, NewField(HoldingRegisters, Boolean, 0, 1), "hr"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("boolean registers: expected ErrUnsupportedType, got %v", err)
	}
	if err := m.EncodeRegisters(table, NewField(HoldingRegisters, Float, 0, 2), []int16{1}, "hr"); !errors.Is(err, ErrValueType) {
		t.Errorf("wrong value: expected ErrValueType, got %v", err)
	}
}
