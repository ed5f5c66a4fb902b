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
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// maxPDUSize is the largest PDU a Modbus TCP frame can carry.
const maxPDUSize = MaxADUSize - MBAPHeaderSize

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// TransactionIDGenerator generates unique transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1)
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Len returns the encoded frame length.
func (f *Frame) Len() int {
	return MBAPHeaderSize + len(f.PDU)
}

// FunctionCode returns the function code of the PDU, or 0 for an empty PDU.
func (f *Frame) FunctionCode() FunctionCode {
	if len(f.PDU) == 0 {
		return 0
	}
	return FunctionCode(f.PDU[0])
}

// ReadFrame reads a complete Modbus TCP frame from a reader.
//
// A length field outside the legal range leaves the stream unusable and is
// reported as both ErrConnectionClosed and ErrInvalidFrame. A bad protocol
// identifier only invalidates the frame; its PDU is consumed so the next
// frame can be read.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}

	pduLen := int(f.Header.Length) - 1
	if pduLen < 1 || pduLen > maxPDUSize {
		return nil, fmt.Errorf("%w: %w: invalid PDU length %d", ErrConnectionClosed, ErrInvalidFrame, pduLen)
	}

	f.PDU = make([]byte, pduLen)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}

	if f.Header.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.Header.ProtocolID)
	}
	return &f, nil
}

// ParseRequest extracts the function code, start address and quantity of a
// request PDU. Single write codes have an implicit quantity of 1. Function
// codes outside the eight data access codes parse with a zero range.
func ParseRequest(pdu []byte) (fc FunctionCode, addr, qty int, err error) {
	if len(pdu) < 1 {
		return 0, 0, 0, fmt.Errorf("%w: empty PDU", ErrInvalidFrame)
	}
	fc = FunctionCode(pdu[0])
	if !fc.IsRead() && !fc.IsWrite() {
		return fc, 0, 0, nil
	}
	if len(pdu) < 5 {
		return fc, 0, 0, fmt.Errorf("%w: %s request too short", ErrInvalidFrame, fc)
	}
	addr = int(binary.BigEndian.Uint16(pdu[1:3]))
	qty = 1
	if !fc.IsSingle() {
		qty = int(binary.BigEndian.Uint16(pdu[3:5]))
	}
	return fc, addr, qty, nil
}

// BuildExceptionPDU builds an exception response PDU.
func BuildExceptionPDU(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

// BuildReply answers a request PDU from the tables in m. Reads are served
// from the tables; writes are applied to them and acknowledged. When the
// request cannot be served the returned PDU is an exception and ec is its
// code, otherwise ec is 0.
func BuildReply(pdu []byte, m *Mapping) (resp []byte, ec ExceptionCode) {
	if len(pdu) < 1 {
		return BuildExceptionPDU(0, ExceptionIllegalFunction), ExceptionIllegalFunction
	}
	fc := FunctionCode(pdu[0])
	fail := func(code ExceptionCode) ([]byte, ExceptionCode) {
		return BuildExceptionPDU(fc, code), code
	}
	if !fc.IsRead() && !fc.IsWrite() {
		return fail(ExceptionIllegalFunction)
	}
	if len(pdu) < 5 {
		return fail(ExceptionIllegalDataValue)
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	word := binary.BigEndian.Uint16(pdu[3:5])
	qty := int(word)

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		table := m.Bits
		if fc == FuncReadDiscreteInputs {
			table = m.InputBits
		}
		if qty < 1 || qty > MaxQuantityCoils {
			return fail(ExceptionIllegalDataValue)
		}
		if addr+qty > len(table) {
			return fail(ExceptionIllegalDataAddress)
		}
		byteCount := (qty + 7) / 8
		resp = make([]byte, 2+byteCount)
		resp[0] = byte(fc)
		resp[1] = byte(byteCount)
		for i, bit := range table[addr : addr+qty] {
			if bit != 0 {
				resp[2+i/8] |= 1 << (i % 8)
			}
		}
		return resp, 0

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		table := m.Registers
		if fc == FuncReadInputRegisters {
			table = m.InputRegisters
		}
		if qty < 1 || qty > MaxQuantityRegisters {
			return fail(ExceptionIllegalDataValue)
		}
		if addr+qty > len(table) {
			return fail(ExceptionIllegalDataAddress)
		}
		resp = make([]byte, 2+qty*2)
		resp[0] = byte(fc)
		resp[1] = byte(qty * 2)
		for i, v := range table[addr : addr+qty] {
			binary.BigEndian.PutUint16(resp[2+i*2:], v)
		}
		return resp, 0

	case FuncWriteSingleCoil:
		if word != CoilOn && word != CoilOff {
			return fail(ExceptionIllegalDataValue)
		}
		if addr >= len(m.Bits) {
			return fail(ExceptionIllegalDataAddress)
		}
		if word == CoilOn {
			m.Bits[addr] = 1
		} else {
			m.Bits[addr] = 0
		}
		return append([]byte(nil), pdu[:5]...), 0

	case FuncWriteSingleRegister:
		if addr >= len(m.Registers) {
			return fail(ExceptionIllegalDataAddress)
		}
		m.Registers[addr] = word
		return append([]byte(nil), pdu[:5]...), 0

	case FuncWriteMultipleCoils:
		if qty < 1 || qty > MaxQuantityWriteCoils || len(pdu) < 6 {
			return fail(ExceptionIllegalDataValue)
		}
		byteCount := int(pdu[5])
		if byteCount != (qty+7)/8 || len(pdu) < 6+byteCount {
			return fail(ExceptionIllegalDataValue)
		}
		if addr+qty > len(m.Bits) {
			return fail(ExceptionIllegalDataAddress)
		}
		for i := 0; i < qty; i++ {
			m.Bits[addr+i] = (pdu[6+i/8] >> (i % 8)) & 1
		}
		return append([]byte(nil), pdu[:5]...), 0

	default: // FuncWriteMultipleRegisters
		if qty < 1 || qty > MaxQuantityWriteRegisters || len(pdu) < 6 {
			return fail(ExceptionIllegalDataValue)
		}
		byteCount := int(pdu[5])
		if byteCount != qty*2 || len(pdu) < 6+byteCount {
			return fail(ExceptionIllegalDataValue)
		}
		if addr+qty > len(m.Registers) {
			return fail(ExceptionIllegalDataAddress)
		}
		for i := 0; i < qty; i++ {
			m.Registers[addr+i] = binary.BigEndian.Uint16(pdu[6+i*2:])
		}
		return append([]byte(nil), pdu[:5]...), 0
	}
}

// maxReadQuantity returns the largest quantity a read function code accepts.
func maxReadQuantity(fc FunctionCode) int {
	if fc == FuncReadCoils || fc == FuncReadDiscreteInputs {
		return MaxQuantityCoils
	}
	return MaxQuantityRegisters
}

// BuildReadPDU builds a request PDU for one of the four read function codes.
func BuildReadPDU(fc FunctionCode, addr, qty uint16) ([]byte, error) {
	if !fc.IsRead() {
		return nil, fmt.Errorf("modbus: %s is not a read function", fc)
	}
	if limit := maxReadQuantity(fc); qty < 1 || int(qty) > limit {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, limit)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return nil, fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	return pdu, nil
}

// BuildWriteSingleCoilPDU builds a PDU for writing a single coil (FC05).
func BuildWriteSingleCoilPDU(addr uint16, value bool) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(FuncWriteSingleCoil)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	if value {
		binary.BigEndian.PutUint16(pdu[3:5], CoilOn)
	} else {
		binary.BigEndian.PutUint16(pdu[3:5], CoilOff)
	}
	return pdu
}

// BuildWriteSingleRegisterPDU builds a PDU for writing a single register (FC06).
func BuildWriteSingleRegisterPDU(addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(FuncWriteSingleRegister)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// BuildWriteMultipleCoilsPDU builds a PDU for writing multiple coils (FC15).
func BuildWriteMultipleCoilsPDU(addr uint16, values []bool) ([]byte, error) {
	qty := uint16(len(values))
	if qty < 1 || qty > MaxQuantityWriteCoils {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, MaxQuantityWriteCoils)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return nil, fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}
	byteCount := (qty + 7) / 8
	pdu := make([]byte, 6+byteCount)
	pdu[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	pdu[5] = byte(byteCount)
	for i, v := range values {
		if v {
			pdu[6+i/8] |= 1 << (i % 8)
		}
	}
	return pdu, nil
}

// BuildWriteMultipleRegistersPDU builds a PDU for writing multiple registers (FC16).
func BuildWriteMultipleRegistersPDU(addr uint16, values []uint16) ([]byte, error) {
	qty := uint16(len(values))
	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, MaxQuantityWriteRegisters)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return nil, fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}
	pdu := make([]byte, 6+qty*2)
	pdu[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	pdu[5] = byte(qty * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+i*2:], v)
	}
	return pdu, nil
}

// ParseCoilsResponse parses a coils response (FC01/FC02) and returns the values.
func ParseCoilsResponse(pdu []byte, qty uint16) ([]bool, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	if byteCount != int((qty+7)/8) || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	values := make([]bool, qty)
	for i := range values {
		values[i] = pdu[2+i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}

// ParseRegistersResponse parses a registers response (FC03/FC04) and returns the values.
func ParseRegistersResponse(pdu []byte, qty uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu[1])
	if byteCount != int(qty)*2 || len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
	}
	return values, nil
}

// ParseWriteResponse checks that a write response (FC05/FC06/FC15/FC16)
// echoes the expected address and value or quantity.
func ParseWriteResponse(pdu []byte, expectedAddr, expectedWord uint16) error {
	if len(pdu) < 5 {
		return fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	if addr := binary.BigEndian.Uint16(pdu[1:3]); addr != expectedAddr {
		return fmt.Errorf("%w: address mismatch", ErrInvalidResponse)
	}
	if word := binary.BigEndian.Uint16(pdu[3:5]); word != expectedWord {
		return fmt.Errorf("%w: value mismatch", ErrInvalidResponse)
	}
	return nil
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && (pdu[0]&0x80) != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0] & 0x7F),
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}
