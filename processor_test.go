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

// recordingBackend records writes and serves fixed values.
type recordingBackend struct {
	values   map[Field]any
	writes   []Field
	readErr  error
	panicked bool
}

func (b *recordingBackend) Connect() error    { return nil }
func (b *recordingBackend) Disconnect() error { return nil }

func (b *recordingBackend) Read(f Field) (any, error) {
	if b.panicked {
		panic("backend exploded")
	}
	return b.values[f], b.readErr
}

func (b *recordingBackend) Write(f Field, value any) error {
	if b.values == nil {
		b.values = make(map[Field]any)
	}
	b.values[f] = value
	b.writes = append(b.writes, f)
	return nil
}

func request(fc FunctionCode, addr, qty int) *Request {
	return &Request{UnitID: 1, FunctionCode: fc, Address: addr, Quantity: qty, Mapping: mappingFor(fc, addr, qty)}
}

func TestFieldProcessorByteScenario(t *testing.T) {
	f := NewField(HoldingRegisters, Byte, 0, 1)
	backend := &recordingBackend{}
	p := NewFieldProcessor(NewFieldRegistry(f), backend)

	w := request(FuncWriteSingleRegister, 0, 1)
	defer w.Mapping.Release()
	w.Mapping.Registers[0] = 0x4247
	if err := p.Write(w); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, ok := backend.values[f].([]byte)
	if !ok || len(got) != 2 || got[0] != 0x42 || got[1] != 0x47 {
		t.Fatalf("backend value = %#v", backend.values[f])
	}

	r := request(FuncReadHoldingRegisters, 0, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if r.Mapping.Registers[0] != 0x4247 {
		t.Errorf("register = 0x%04X, want 0x4247", r.Mapping.Registers[0])
	}
}

func TestFieldProcessorReadOverlap(t *testing.T) {
	coils := NewField(Coils, Boolean, 0, 4)
	hr := NewField(HoldingRegisters, UShort, 4, 2)
	ir := NewField(InputRegisters, UShort, 6, 2)
	backend := &recordingBackend{values: map[Field]any{
		coils: []bool{true, false, false, true},
		hr:    []uint16{10, 20},
		ir:    []uint16{30, 40},
	}}
	p := NewFieldProcessor(NewFieldRegistry(coils, hr, ir), backend)

	r := request(FuncReadCoils, 1, 3)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("Read coils failed: %v", err)
	}
	if r.Mapping.Bits[3] != 1 || r.Mapping.Bits[1] != 0 {
		t.Errorf("bits = %v", r.Mapping.Bits)
	}

	r = request(FuncReadHoldingRegisters, 5, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("Read registers failed: %v", err)
	}
	if r.Mapping.Registers[5] != 20 {
		t.Errorf("register 5 = %d, want 20", r.Mapping.Registers[5])
	}

	r = request(FuncReadInputRegisters, 6, 2)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("Read input registers failed: %v", err)
	}
	if r.Mapping.InputRegisters[6] != 30 || r.Mapping.InputRegisters[7] != 40 {
		t.Errorf("input registers = %v", r.Mapping.InputRegisters[6:])
	}
}

func TestFieldProcessorIllegalFunction(t *testing.T) {
	hr := NewField(HoldingRegisters, UShort, 0, 2)
	di := NewField(DiscreteInputs, Boolean, 2, 2)
	backend := &recordingBackend{}
	p := NewFieldProcessor(NewFieldRegistry(hr, di), backend)

	r := request(FuncReadInputRegisters, 0, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); ExceptionCodeOf(err) != ExceptionIllegalFunction {
		t.Errorf("read HR with FC04: got %v", err)
	}

	w := request(FuncWriteSingleCoil, 2, 1)
	defer w.Mapping.Release()
	if err := p.Write(w); !errors.Is(err, ErrIllegalFunction) {
		t.Errorf("write DI: expected ErrIllegalFunction, got %v", err)
	}

	w = request(FuncWriteSingleCoil, 0, 1)
	defer w.Mapping.Release()
	if err := p.Write(w); !errors.Is(err, ErrIllegalFunction) {
		t.Errorf("write HR with FC05: expected ErrIllegalFunction, got %v", err)
	}
	if len(backend.writes) != 0 {
		t.Errorf("backend written: %v", backend.writes)
	}
}

func TestFieldProcessorIllegalAddress(t *testing.T) {
	hr := NewField(HoldingRegisters, Float, 10, 2)
	backend := &recordingBackend{}
	p := NewFieldProcessor(NewFieldRegistry(hr), backend)

	tests := []struct {
		name string
		addr int
		qty  int
	}{
		{"past registry", 11, 2},
		{"overruns registry", 0, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := request(FuncReadHoldingRegisters, tt.addr, tt.qty)
			defer r.Mapping.Release()
			if err := p.Read(r); ExceptionCodeOf(err) != ExceptionIllegalDataAddress {
				t.Errorf("expected illegal data address, got %v", err)
			}
		})
	}

	empty := NewFieldProcessor(NewFieldRegistry(), backend)
	r := request(FuncReadHoldingRegisters, 0, 1)
	defer r.Mapping.Release()
	if err := empty.Read(r); !errors.Is(err, ErrIllegalDataAddress) {
		t.Errorf("empty registry: expected ErrIllegalDataAddress, got %v", err)
	}
}

func TestFieldProcessorClipsPartialField(t *testing.T) {
	coils := NewField(Coils, Boolean, 0, 3)
	hr := NewField(HoldingRegisters, Float, 10, 2)
	backend := &recordingBackend{values: map[Field]any{
		coils: []bool{true, false, true},
		hr:    []float32{1},
	}}
	p := NewFieldProcessor(NewFieldRegistry(coils, hr), backend)

	r := request(FuncReadCoils, 0, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("read first coil: %v", err)
	}
	if len(r.Mapping.Bits) != 1 || r.Mapping.Bits[0] != 1 {
		t.Errorf("bits = %v, want [1]", r.Mapping.Bits)
	}

	r = request(FuncReadCoils, 1, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("read middle coil: %v", err)
	}
	if len(r.Mapping.Bits) != 2 || r.Mapping.Bits[1] != 0 {
		t.Errorf("bits = %v, want [1 0]", r.Mapping.Bits)
	}

	r = request(FuncReadHoldingRegisters, 10, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("read first float word: %v", err)
	}
	if len(r.Mapping.Registers) != 11 || r.Mapping.Registers[10] != 0x3F80 {
		t.Errorf("registers[10] = 0x%04X, want 0x3F80", r.Mapping.Registers[10])
	}
}

func TestFieldProcessorSharedAddresses(t *testing.T) {
	coils := NewField(Coils, Boolean, 0, 4)
	hr := NewField(HoldingRegisters, UShort, 0, 4)
	backend := &recordingBackend{values: map[Field]any{
		coils: []bool{true, true, false, false},
		hr:    []uint16{1, 2, 3, 4},
	}}
	p := NewFieldProcessor(NewFieldRegistry(coils, hr), backend)

	r := request(FuncReadCoils, 0, 4)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("ReadCoils: %v", err)
	}
	if r.Mapping.Bits[0] != 1 || r.Mapping.Bits[2] != 0 {
		t.Errorf("bits = %v", r.Mapping.Bits)
	}

	r = request(FuncReadHoldingRegisters, 0, 4)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if r.Mapping.Registers[3] != 4 {
		t.Errorf("registers = %v", r.Mapping.Registers)
	}

	r = request(FuncReadInputRegisters, 0, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); !errors.Is(err, ErrIllegalFunction) {
		t.Errorf("FC04: expected ErrIllegalFunction, got %v", err)
	}

	w := request(FuncWriteSingleRegister, 0, 1)
	defer w.Mapping.Release()
	w.Mapping.Registers[0] = 9
	if err := p.Write(w); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(backend.writes) != 1 || backend.writes[0] != hr {
		t.Errorf("writes = %v, want only %s", backend.writes, hr)
	}
}

func TestFieldProcessorSkipsBadValues(t *testing.T) {
	a := NewField(HoldingRegisters, UShort, 0, 1)
	b := NewField(HoldingRegisters, UShort, 1, 1)
	backend := &recordingBackend{values: map[Field]any{
		a: []float32{1},
		b: []uint16{7},
	}}
	p := NewFieldProcessor(NewFieldRegistry(a, b), backend)

	r := request(FuncReadHoldingRegisters, 0, 2)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if r.Mapping.Registers[0] != 0 || r.Mapping.Registers[1] != 7 {
		t.Errorf("registers = %v", r.Mapping.Registers)
	}
}

func TestFieldProcessorBackendFailure(t *testing.T) {
	f := NewField(InputRegisters, Short, 0, 1)
	backend := &recordingBackend{readErr: errors.New("sensor offline")}
	p := NewFieldProcessor(NewFieldRegistry(f), backend)

	r := request(FuncReadInputRegisters, 0, 1)
	defer r.Mapping.Release()
	if err := p.Read(r); ExceptionCodeOf(err) != ExceptionServerDeviceFailure {
		t.Errorf("read error: got %v", err)
	}

	backend.readErr = nil
	backend.panicked = true
	if err := p.Read(r); err == nil || ExceptionCodeOf(err) != ExceptionServerDeviceFailure {
		t.Errorf("panic: got %v", err)
	}
}

func TestFieldProcessorWriteContainment(t *testing.T) {
	a := NewField(HoldingRegisters, UShort, 0, 2)
	b := NewField(HoldingRegisters, Short, 2, 2)
	backend := &recordingBackend{}
	p := NewFieldProcessor(NewFieldRegistry(a, b), backend)

	w := request(FuncWriteMultipleRegisters, 1, 3)
	defer w.Mapping.Release()
	w.Mapping.Registers[1], w.Mapping.Registers[2], w.Mapping.Registers[3] = 5, 0xFFFF, 2
	if err := p.Write(w); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(backend.writes) != 1 || backend.writes[0] != a {
		t.Fatalf("writes = %v, want only %s", backend.writes, a)
	}
	if got := backend.values[a].([]uint16); got[0] != 0 || got[1] != 5 {
		t.Errorf("value = %v, want [0 5]", got)
	}
}

func TestFieldProcessorFloat(t *testing.T) {
	f := NewField(HoldingRegisters, Float, 0, 2)
	backend := &recordingBackend{values: map[Field]any{f: []float32{49.996532}}}
	p := NewFieldProcessor(NewFieldRegistry(f), backend, WithServerFloatOrder(CDAB))

	r := request(FuncReadHoldingRegisters, 0, 2)
	defer r.Mapping.Release()
	if err := p.Read(r); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := CDAB.GetFloat(r.Mapping.Registers[0:2]); got != float32(49.996532) {
		t.Errorf("float = %v", got)
	}
}
