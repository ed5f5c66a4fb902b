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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/edgeo-scada/modbus-slave/internal/transport"
)

// Client is a Modbus TCP master that exchanges typed field values with a
// slave. Raw coil and register access is available as well.
type Client struct {
	addr    string
	opts    *clientOptions
	conn    *transport.TCPConn
	mapper  *Mapper
	txIDs   TransactionIDGenerator
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	unitID  UnitID
	closed  bool
	closeCh chan struct{}
}

// FieldValue is the outcome of reading one field with ReadFields.
type FieldValue struct {
	Field Field
	Value any
	Err   error
}

// NewClient creates a new Modbus TCP client.
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		addr:    addr,
		opts:    options,
		conn:    transport.NewTCPConn(addr, options.timeout),
		mapper:  NewMapper(options.floatOrder, options.logger),
		metrics: NewMetrics(),
		logger:  options.logger,
		unitID:  options.unitID,
		closeCh: make(chan struct{}),
	}, nil
}

// Connect dials the slave unless a connection is already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	if c.conn.IsConnected() {
		return nil
	}

	if err := c.conn.Dial(ctx); err != nil {
		return err
	}
	c.logger.Info("connected", slog.String("addr", c.addr))
	return nil
}

// Close closes the connection. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	return c.conn.Close()
}

// IsConnected reports whether a connection to the slave is open.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// SetUnitID sets the unit ID for subsequent requests.
func (c *Client) SetUnitID(id UnitID) {
	c.mu.Lock()
	c.unitID = id
	c.mu.Unlock()
}

// UnitID returns the current unit ID.
func (c *Client) UnitID() UnitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// send exchanges one request PDU for its response PDU. With auto reconnect a
// request that failed on the connection is retried on a fresh one, up to
// maxRetries attempts in total.
func (c *Client) send(ctx context.Context, pdu []byte) ([]byte, error) {
	unitID := c.UnitID()
	attempts := 1
	if c.opts.autoReconnect && c.opts.maxRetries > 1 {
		attempts = c.opts.maxRetries
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err = c.redial(ctx, attempt); err != nil {
				if errors.Is(err, ErrConnectionClosed) || ctx.Err() != nil {
					return nil, err
				}
				continue
			}
		}

		var resp []byte
		resp, err = c.roundTrip(ctx, unitID, pdu)
		if err == nil || !c.opts.autoReconnect || !isRetryableError(err) {
			return resp, err
		}
		c.logger.Warn("request failed on connection",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
}

// redial waits attempt times the reconnect backoff and opens a new
// connection.
func (c *Client) redial(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.opts.reconnectBackoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeCh:
		return ErrConnectionClosed
	case <-timer.C:
	}

	c.metrics.Reconnections.Add(1)
	c.conn.Close()
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("reconnect failed", slog.String("addr", c.addr), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// isRetryableError reports whether err may clear on a new connection.
// Exceptions and malformed responses come from the slave itself.
func isRetryableError(err error) bool {
	var me *ModbusError
	switch {
	case err == nil, errors.As(err, &me), errors.Is(err, ErrInvalidResponse):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (c *Client) roundTrip(ctx context.Context, unitID UnitID, pdu []byte) ([]byte, error) {
	start := time.Now()
	c.metrics.RequestsTotal.Add(1)
	resp, err := c.exchange(ctx, unitID, pdu)
	if err != nil {
		c.metrics.RequestsErrors.Add(1)
		return nil, err
	}
	c.metrics.RequestsSuccess.Add(1)
	c.metrics.Latency.Observe(time.Since(start))
	return resp, nil
}

// exchange sends pdu in one ADU and checks that the answer belongs to it.
func (c *Client) exchange(ctx context.Context, unitID UnitID, pdu []byte) ([]byte, error) {
	txID := c.txIDs.Next()
	fc := FunctionCode(pdu[0])
	req := Frame{
		Header: MBAPHeader{TransactionID: txID, ProtocolID: ProtocolID, UnitID: unitID},
		PDU:    pdu,
	}
	c.logger.Debug("request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	raw, err := c.conn.RoundTrip(ctx, req.Encode())
	if errors.Is(err, transport.ErrNotConnected) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}

	resp, err := ReadFrame(bytes.NewReader(raw))
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	case resp.Header.TransactionID != txID:
		return nil, fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, txID, resp.Header.TransactionID)
	case resp.Header.UnitID != unitID:
		return nil, fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, unitID, resp.Header.UnitID)
	case IsExceptionResponse(resp.PDU):
		if me := ParseExceptionResponse(resp.PDU); me != nil {
			return nil, me
		}
		return nil, fmt.Errorf("%w: truncated exception", ErrInvalidResponse)
	case resp.FunctionCode() != fc:
		return nil, fmt.Errorf("%w: function code mismatch (expected %02X, got %02X)",
			ErrInvalidResponse, uint8(fc), resp.PDU[0])
	}
	return resp.PDU, nil
}

func (c *Client) readBits(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]bool, error) {
	pdu, err := BuildReadPDU(fc, addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	return ParseCoilsResponse(resp, qty)
}

func (c *Client) readRegisters(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]uint16, error) {
	pdu, err := BuildReadPDU(fc, addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(resp, qty)
}

// ReadCoils reads coils (FC01).
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadCoils, addr, qty)
}

// ReadDiscreteInputs reads discrete inputs (FC02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadDiscreteInputs, addr, qty)
}

// ReadHoldingRegisters reads holding registers (FC03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncReadHoldingRegisters, addr, qty)
}

// ReadInputRegisters reads input registers (FC04).
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncReadInputRegisters, addr, qty)
}

// WriteSingleCoil writes a single coil (FC05).
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	resp, err := c.send(ctx, BuildWriteSingleCoilPDU(addr, value))
	if err != nil {
		return err
	}
	expected := CoilOff
	if value {
		expected = CoilOn
	}
	return ParseWriteResponse(resp, addr, expected)
}

// WriteSingleRegister writes a single register (FC06).
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	resp, err := c.send(ctx, BuildWriteSingleRegisterPDU(addr, value))
	if err != nil {
		return err
	}
	return ParseWriteResponse(resp, addr, value)
}

// WriteMultipleCoils writes multiple coils (FC15).
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	pdu, err := BuildWriteMultipleCoilsPDU(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return err
	}
	return ParseWriteResponse(resp, addr, uint16(len(values)))
}

// WriteMultipleRegisters writes multiple registers (FC16).
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	pdu, err := BuildWriteMultipleRegistersPDU(addr, values)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, pdu)
	if err != nil {
		return err
	}
	return ParseWriteResponse(resp, addr, uint16(len(values)))
}

// block is a run of same-type fields fetched with one read request.
type block struct {
	rt         RegisterType
	start, end int
	fields     []int
}

// planBlocks groups fields of the same register type whose ranges touch or
// overlap into blocks no larger than one read request. Invalid fields get
// no block.
func planBlocks(fields []Field) []block {
	order := make([]int, 0, len(fields))
	for i, f := range fields {
		if f.Validate() == nil {
			order = append(order, i)
		}
	}
	slices.SortStableFunc(order, func(a, b int) int {
		fa, fb := fields[a], fields[b]
		if fa.RegisterType != fb.RegisterType {
			return int(fa.RegisterType) - int(fb.RegisterType)
		}
		return fa.Address - fb.Address
	})

	var blocks []block
	for _, i := range order {
		f := fields[i]
		if n := len(blocks); n > 0 {
			b := &blocks[n-1]
			if b.rt == f.RegisterType && f.Address <= b.end && max(b.end, f.End())-b.start <= maxReadQuantity(readFunction[f.RegisterType]) {
				b.end = max(b.end, f.End())
				b.fields = append(b.fields, i)
				continue
			}
		}
		blocks = append(blocks, block{rt: f.RegisterType, start: f.Address, end: f.End(), fields: []int{i}})
	}
	return blocks
}

// ReadFields reads every field and returns one FieldValue per field in the
// order given. Adjacent fields of the same register type share a request. A
// failed request fails only the fields it carried.
func (c *Client) ReadFields(ctx context.Context, fields ...Field) []FieldValue {
	results := make([]FieldValue, len(fields))
	for i, f := range fields {
		results[i] = FieldValue{Field: f, Err: f.Validate()}
	}

	for _, b := range planBlocks(fields) {
		bits, registers, err := c.readBlock(ctx, b)
		for _, i := range b.fields {
			f := fields[i]
			switch {
			case err != nil:
				results[i].Err = err
			case b.rt.IsBit():
				results[i].Value, results[i].Err = c.mapper.DecodeBits(bits, f, b.rt.String())
			default:
				results[i].Value, results[i].Err = c.mapper.DecodeRegisters(registers, f, b.rt.String())
			}
			if results[i].Err != nil {
				c.metrics.FieldErrors.Add(1)
			} else {
				c.metrics.FieldsRead.Add(1)
			}
		}
	}
	return results
}

// readBlock reads b into a table indexed by absolute address.
func (c *Client) readBlock(ctx context.Context, b block) ([]uint8, []uint16, error) {
	fc := readFunction[b.rt]
	addr, qty := uint16(b.start), uint16(b.end-b.start)
	if b.rt.IsBit() {
		values, err := c.readBits(ctx, fc, addr, qty)
		if err != nil {
			return nil, nil, err
		}
		table := make([]uint8, b.end)
		for i, v := range values {
			if v {
				table[b.start+i] = 1
			}
		}
		return table, nil, nil
	}

	values, err := c.readRegisters(ctx, fc, addr, qty)
	if err != nil {
		return nil, nil, err
	}
	table := make([]uint16, b.end)
	copy(table[b.start:], values)
	return nil, table, nil
}

// ReadField reads f and decodes it with the client's float order.
func (c *Client) ReadField(ctx context.Context, f Field) (any, error) {
	r := c.ReadFields(ctx, f)[0]
	return r.Value, r.Err
}

// WriteField encodes value for f and writes it with the single or multiple
// write function depending on the field size.
func (c *Client) WriteField(ctx context.Context, f Field, value any) error {
	if err := f.Validate(); err != nil {
		return err
	}
	addr := uint16(f.Address)

	switch f.RegisterType {
	case Coils:
		table := make([]uint8, f.End())
		if err := c.mapper.EncodeBits(table, f, value, f.RegisterType.String()); err != nil {
			return err
		}
		values := make([]bool, f.Quantity)
		for i := range values {
			values[i] = table[f.Address+i] == 1
		}
		if f.Quantity == 1 {
			return c.WriteSingleCoil(ctx, addr, values[0])
		}
		return c.WriteMultipleCoils(ctx, addr, values)
	case HoldingRegisters:
		table := make([]uint16, f.End())
		if err := c.mapper.EncodeRegisters(table, f, value, f.RegisterType.String()); err != nil {
			return err
		}
		values := table[f.Address:]
		if f.Quantity == 1 {
			return c.WriteSingleRegister(ctx, addr, values[0])
		}
		return c.WriteMultipleRegisters(ctx, addr, values)
	default:
		return fmt.Errorf("%w: %s are read-only", ErrIllegalFunction, f.RegisterType)
	}
}
