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
	"log/slog"
	"net"
	"runtime/debug"
	"time"
)

// FieldProcessor is a Processor that maps requests onto the fields of a
// FieldRegistry and exchanges typed values with a Backend.
type FieldProcessor struct {
	registry *FieldRegistry
	backend  Backend
	mapper   *Mapper
	server   *Server
	logger   *slog.Logger
}

// NewFieldProcessor creates a FieldProcessor serving registry from backend.
// The options configure the embedded Server started by Start.
func NewFieldProcessor(registry *FieldRegistry, backend Backend, opts ...ServerOption) *FieldProcessor {
	if registry == nil {
		registry = NewFieldRegistry()
	}
	p := &FieldProcessor{
		registry: registry,
		backend:  backend,
	}
	p.server = NewServer(p, opts...)
	p.logger = p.server.opts.logger
	p.mapper = NewMapper(p.server, p.logger)
	return p
}

// Registry returns the address map.
func (p *FieldProcessor) Registry() *FieldRegistry {
	return p.registry
}

// Mapper returns the codec used for field values.
func (p *FieldProcessor) Mapper() *Mapper {
	return p.mapper
}

// Start opens the slave on addr and serves it in the background.
func (p *FieldProcessor) Start(addr string) error {
	return p.server.Start(addr)
}

// Stop closes the slave and waits up to timeout for it to exit.
func (p *FieldProcessor) Stop(timeout time.Duration) error {
	return p.server.Stop(timeout)
}

// Addr returns the listening address, or nil if not started.
func (p *FieldProcessor) Addr() net.Addr {
	return p.server.Addr()
}

// Metrics returns the metrics of the embedded server.
func (p *FieldProcessor) Metrics() *ServerMetrics {
	return p.server.Metrics()
}

// Connect connects the backend.
func (p *FieldProcessor) Connect() error {
	return p.guard("connect", nil, p.backend.Connect)
}

// Disconnect disconnects the backend.
func (p *FieldProcessor) Disconnect() error {
	return p.guard("disconnect", nil, p.backend.Disconnect)
}

// readFunction is the only function code allowed to read each register type.
var readFunction = map[RegisterType]FunctionCode{
	Coils:            FuncReadCoils,
	DiscreteInputs:   FuncReadDiscreteInputs,
	HoldingRegisters: FuncReadHoldingRegisters,
	InputRegisters:   FuncReadInputRegisters,
}

// writeFunctions lists the function codes allowed to write each register type.
var writeFunctions = map[RegisterType][2]FunctionCode{
	Coils:            {FuncWriteSingleCoil, FuncWriteMultipleCoils},
	HoldingRegisters: {FuncWriteSingleRegister, FuncWriteMultipleRegisters},
}

// Read fills req.Mapping with the values of every field of the addressed
// register type that the request range overlaps. The whole range must lie
// inside the registry. A field running past the end of the request is
// clipped to it.
func (p *FieldProcessor) Read(req *Request) error {
	size := p.registry.Size()
	if p.registry.Len() == 0 || req.Address+req.Quantity > size {
		return &AddressError{Description: "field registry", Size: size}
	}

	end := req.Address + req.Quantity
	var other *Field
	matched := false
	for _, f := range p.registry.fields {
		if f.End() <= req.Address || f.Address >= end {
			continue
		}
		if readFunction[f.RegisterType] != req.FunctionCode {
			if other == nil {
				other = &f
			}
			continue
		}
		matched = true

		var value any
		err := p.guard("read", &f, func() error {
			var err error
			value, err = p.backend.Read(f)
			return err
		})
		if err != nil {
			return fmt.Errorf("modbus: read %s: %w", f, err)
		}

		if err := p.encode(req.Mapping, f, value); err != nil {
			if errors.Is(err, ErrIllegalDataAddress) || errors.Is(err, ErrIllegalFunction) {
				return err
			}
			p.logger.Debug("field value not mapped",
				slog.String("field", f.String()),
				slog.String("error", err.Error()))
		}
	}
	if !matched && other != nil {
		return &IllegalFunctionError{FunctionCode: req.FunctionCode, RegisterType: other.RegisterType}
	}
	return nil
}

// Write decodes every field of the addressed register type that contains the
// request start address from req.Mapping and hands the value to the backend.
func (p *FieldProcessor) Write(req *Request) error {
	var other *Field
	matched := false
	for _, f := range p.registry.fields {
		if req.Address < f.Address || req.Address >= f.End() {
			continue
		}
		codes, ok := writeFunctions[f.RegisterType]
		if !ok || (req.FunctionCode != codes[0] && req.FunctionCode != codes[1]) {
			if other == nil {
				other = &f
			}
			continue
		}
		matched = true

		value, err := p.decode(req.Mapping, f)
		if err != nil {
			return err
		}
		if err := p.guard("write", &f, func() error { return p.backend.Write(f, value) }); err != nil {
			return fmt.Errorf("modbus: write %s: %w", f, err)
		}
	}
	if !matched && other != nil {
		return &IllegalFunctionError{FunctionCode: req.FunctionCode, RegisterType: other.RegisterType}
	}
	return nil
}

func (p *FieldProcessor) encode(m *Mapping, f Field, value any) error {
	switch f.RegisterType {
	case Coils:
		return clip(m.Bits, f, func(dst []uint8) error {
			return p.mapper.EncodeBits(dst, f, value, "coil")
		})
	case DiscreteInputs:
		return clip(m.InputBits, f, func(dst []uint8) error {
			return p.mapper.EncodeBits(dst, f, value, "discrete input")
		})
	case HoldingRegisters:
		return clip(m.Registers, f, func(dst []uint16) error {
			return p.mapper.EncodeRegisters(dst, f, value, "holding register")
		})
	default:
		return clip(m.InputRegisters, f, func(dst []uint16) error {
			return p.mapper.EncodeRegisters(dst, f, value, "input register")
		})
	}
}

// clip runs encode on dst, or on a scratch table when f ends past dst, and
// keeps only the units that fall inside dst.
func clip[T uint8 | uint16](dst []T, f Field, encode func([]T) error) error {
	if f.End() <= len(dst) || f.Address >= len(dst) {
		return encode(dst)
	}
	scratch := make([]T, f.End())
	if err := encode(scratch); err != nil {
		return err
	}
	copy(dst[f.Address:], scratch[f.Address:])
	return nil
}

func (p *FieldProcessor) decode(m *Mapping, f Field) (any, error) {
	if f.RegisterType == Coils {
		return p.mapper.DecodeBits(m.Bits, f, "coil")
	}
	return p.mapper.DecodeRegisters(m.Registers, f, "holding register")
}

// guard runs a backend call and turns a panic into an error.
func (p *FieldProcessor) guard(op string, f *Field, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			attrs := []any{
				slog.String("op", op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			}
			if f != nil {
				attrs = append(attrs, slog.String("field", f.String()))
			}
			p.logger.Error("panic in backend", attrs...)
			err = fmt.Errorf("modbus: backend %s panicked: %v", op, r)
		}
	}()
	return fn()
}
