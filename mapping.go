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

import "sync"

// Mapping holds the four register tables exchanged between the transport and
// a Processor for one request. Tables are indexed by absolute address, so a
// table sized n covers addresses [0, n).
type Mapping struct {
	Bits           []uint8
	InputBits      []uint8
	Registers      []uint16
	InputRegisters []uint16
}

var mappingPool = sync.Pool{
	New: func() any { return new(Mapping) },
}

// NewMapping returns a zeroed Mapping from the pool. Call Release when done.
func NewMapping(nbBits, nbInputBits, nbRegisters, nbInputRegisters int) *Mapping {
	m := mappingPool.Get().(*Mapping)
	m.Bits = resizeBits(m.Bits, nbBits)
	m.InputBits = resizeBits(m.InputBits, nbInputBits)
	m.Registers = resizeRegisters(m.Registers, nbRegisters)
	m.InputRegisters = resizeRegisters(m.InputRegisters, nbInputRegisters)
	return m
}

// mappingFor sizes the one table that fc addresses to addr+qty.
func mappingFor(fc FunctionCode, addr, qty int) *Mapping {
	n := addr + qty
	switch fc {
	case FuncReadCoils, FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return NewMapping(n, 0, 0, 0)
	case FuncReadDiscreteInputs:
		return NewMapping(0, n, 0, 0)
	case FuncReadHoldingRegisters, FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		return NewMapping(0, 0, n, 0)
	case FuncReadInputRegisters:
		return NewMapping(0, 0, 0, n)
	default:
		return NewMapping(0, 0, 0, 0)
	}
}

// Release returns m to the pool. m must not be used afterwards.
func (m *Mapping) Release() {
	if m == nil {
		return
	}
	m.Bits = m.Bits[:0]
	m.InputBits = m.InputBits[:0]
	m.Registers = m.Registers[:0]
	m.InputRegisters = m.InputRegisters[:0]
	mappingPool.Put(m)
}

func resizeBits(b []uint8, n int) []uint8 {
	if cap(b) < n {
		return make([]uint8, n)
	}
	b = b[:n]
	clear(b)
	return b
}

func resizeRegisters(r []uint16, n int) []uint16 {
	if cap(r) < n {
		return make([]uint16, n)
	}
	r = r[:n]
	clear(r)
	return r
}
