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
	"net"
	"sync"
	"testing"
	"time"
)

type event struct {
	ready Ready
	frame *Frame
	err   error
}

type sent struct {
	conn ConnID
	pdu  []byte
	ec   ExceptionCode
}

// fakeTransport is driven by the test through events. With sticky set, Close
// does not unblock Select until release is called.
type fakeTransport struct {
	FloatOrder

	events    chan event
	sent      chan sent
	closed    chan struct{}
	released  chan struct{}
	sticky    bool
	listenErr error

	mu      sync.Mutex
	current event
	nextID  ConnID
	dropped []ConnID
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:   make(chan event),
		sent:     make(chan sent, 16),
		closed:   make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (t *fakeTransport) Listen(string) error { return t.listenErr }
func (t *fakeTransport) Addr() net.Addr      { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 502} }

func (t *fakeTransport) Select() (Ready, error) {
	wait := t.closed
	if t.sticky {
		wait = t.released
	}
	select {
	case e := <-t.events:
		t.mu.Lock()
		t.current = e
		t.mu.Unlock()
		return e.ready, nil
	case <-wait:
		return Ready{}, ErrTransportClosed
	}
}

func (t *fakeTransport) Accept() (ConnID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID, nil
}

func (t *fakeTransport) Receive(ConnID) (*Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.frame, t.current.err
}

func (t *fakeTransport) Reply(id ConnID, req *Frame, m *Mapping) (ExceptionCode, error) {
	pdu, ec := BuildReply(req.PDU, m)
	t.sent <- sent{conn: id, pdu: pdu, ec: ec}
	return ec, nil
}

func (t *fakeTransport) ReplyException(id ConnID, req *Frame, ec ExceptionCode) error {
	t.sent <- sent{conn: id, pdu: BuildExceptionPDU(req.FunctionCode(), ec), ec: ec}
	return nil
}

func (t *fakeTransport) CloseConn(id ConnID) error {
	t.mu.Lock()
	t.dropped = append(t.dropped, id)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) release() {
	close(t.released)
}

func (t *fakeTransport) push(tb *testing.T, e event) {
	tb.Helper()
	select {
	case t.events <- e:
	case <-time.After(time.Second):
		tb.Fatal("worker did not take event")
	}
}

func (t *fakeTransport) next(tb *testing.T) sent {
	tb.Helper()
	select {
	case s := <-t.sent:
		return s
	case <-time.After(time.Second):
		tb.Fatal("no response sent")
		return sent{}
	}
}

// countingProcessor counts backend lifecycle calls.
type countingProcessor struct {
	mu           sync.Mutex
	connects     int
	disconnects  int
	connectErr   error
	disconnected chan struct{}
}

func newCountingProcessor() *countingProcessor {
	return &countingProcessor{disconnected: make(chan struct{}, 4)}
}

func (p *countingProcessor) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return p.connectErr
}

func (p *countingProcessor) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	p.disconnected <- struct{}{}
	return nil
}

func (p *countingProcessor) Read(*Request) error  { return nil }
func (p *countingProcessor) Write(*Request) error { return nil }

func (p *countingProcessor) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects, p.disconnects
}

func testFrame(txID uint16, pdu ...byte) *Frame {
	return &Frame{Header: MBAPHeader{TransactionID: txID, UnitID: 1, Length: uint16(len(pdu) + 1)}, PDU: pdu}
}

func startSlave(t *testing.T, p Processor, ft *fakeTransport) (*Slave, chan error) {
	t.Helper()
	s := NewSlave(p, WithTransport(ft))
	if err := s.Open("fake"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	return s, done
}

func TestSlaveCloseUnblocksWorker(t *testing.T) {
	ft := newFakeTransport()
	s, done := startSlave(t, newCountingProcessor(), ft)

	// Wait until the worker is blocked in Select.
	ft.push(t, event{ready: Ready{Listener: true}})

	if err := s.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	s.mu.Lock()
	stopState := s.stopState
	s.mu.Unlock()
	if stopState != stopRunning {
		t.Errorf("stopState = %d, want %d", stopState, stopRunning)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if s.Addr() != nil {
		t.Error("Addr must be nil after Close")
	}
}

func TestSlaveCloseTimeout(t *testing.T) {
	ft := newFakeTransport()
	ft.sticky = true
	s, done := startSlave(t, newCountingProcessor(), ft)
	ft.push(t, event{ready: Ready{Listener: true}})

	err := s.Close(20 * time.Millisecond)
	if !errors.Is(err, ErrCloseTimeout) {
		t.Fatalf("expected ErrCloseTimeout, got %v", err)
	}

	ft.release()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after release")
	}
}

func TestSlaveCloseNotRunning(t *testing.T) {
	s := NewSlave(newCountingProcessor(), WithTransport(newFakeTransport()))
	if err := s.Close(time.Second); err != nil {
		t.Errorf("Close before Open: %v", err)
	}
	if err := s.Run(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Run before Open: expected ErrNotStarted, got %v", err)
	}
	if err := s.Open("fake"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(time.Second); err != nil {
		t.Errorf("Close without worker: %v", err)
	}
}

func TestSlaveOpenError(t *testing.T) {
	ft := newFakeTransport()
	ft.listenErr = errors.New("address in use")
	s := NewSlave(newCountingProcessor(), WithTransport(ft))
	if err := s.Open("fake"); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestSlavePeerReset(t *testing.T) {
	ft := newFakeTransport()
	p := newCountingProcessor()
	s, done := startSlave(t, p, ft)

	ft.push(t, event{ready: Ready{Listener: true}})
	ft.push(t, event{ready: Ready{Listener: true}})
	ft.push(t, event{ready: Ready{Conn: 1}, err: ErrConnectionClosed})
	ft.push(t, event{ready: Ready{Conn: 2}, err: ErrConnectionClosed})

	select {
	case <-p.disconnected:
	case <-time.After(time.Second):
		t.Fatal("backend not disconnected")
	}
	if err := s.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	<-done

	connects, disconnects := p.counts()
	if connects != 1 || disconnects != 1 {
		t.Errorf("connects/disconnects = %d/%d, want 1/1", connects, disconnects)
	}
	if m := s.Metrics(); m.TotalConns.Value() != 2 || m.ActiveConns.Value() != 0 {
		t.Errorf("total/active = %d/%d", m.TotalConns.Value(), m.ActiveConns.Value())
	}
	ft.mu.Lock()
	dropped := len(ft.dropped)
	ft.mu.Unlock()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestSlaveBackendInitFailure(t *testing.T) {
	ft := newFakeTransport()
	p := newCountingProcessor()
	p.connectErr = errors.New("no backend")
	s, done := startSlave(t, p, ft)
	defer func() {
		s.Close(time.Second)
		<-done
	}()

	ft.push(t, event{ready: Ready{Listener: true}})
	ft.push(t, event{ready: Ready{Conn: 1}, frame: testFrame(1, 0x03, 0x00, 0x00, 0x00, 0x01)})

	got := ft.next(t)
	if got.ec != ExceptionServerDeviceFailure || got.pdu[0] != 0x83 {
		t.Errorf("response = %x/%v", got.pdu, got.ec)
	}
	if s.Metrics().BackendFailures.Value() != 1 {
		t.Errorf("backend failures = %d", s.Metrics().BackendFailures.Value())
	}
}

// panickingProcessor panics on every read.
type panickingProcessor struct {
	countingProcessor
}

func (p *panickingProcessor) Read(*Request) error { panic("broken processor") }

func TestSlaveProcessorPanic(t *testing.T) {
	ft := newFakeTransport()
	p := &panickingProcessor{countingProcessor{disconnected: make(chan struct{}, 4)}}
	s, done := startSlave(t, p, ft)
	defer func() {
		s.Close(time.Second)
		<-done
	}()

	ft.push(t, event{ready: Ready{Listener: true}})
	ft.push(t, event{ready: Ready{Conn: 1}, frame: testFrame(1, 0x03, 0x00, 0x00, 0x00, 0x01)})

	got := ft.next(t)
	if got.ec != ExceptionServerDeviceFailure || got.pdu[0] != 0x83 || got.pdu[1] != 0x04 {
		t.Errorf("response = %x/%v, want server device failure", got.pdu, got.ec)
	}

	// The worker survives the panic.
	ft.push(t, event{ready: Ready{Conn: 1}, frame: testFrame(2, 0x06, 0x00, 0x00, 0x00, 0x01)})
	if got := ft.next(t); got.ec != 0 || got.pdu[0] != 0x06 {
		t.Errorf("write response = %x/%v", got.pdu, got.ec)
	}
	if s.Metrics().Exceptions.Value() != 1 {
		t.Errorf("exceptions = %d, want 1", s.Metrics().Exceptions.Value())
	}
}

func TestSlaveDispatch(t *testing.T) {
	hr := NewField(HoldingRegisters, UShort, 0, 2)
	backend := NewMemoryBackend()
	if err := backend.Set(hr, []uint16{0x1234, 0x5678}); err != nil {
		t.Fatal(err)
	}
	ft := newFakeTransport()
	s, done := startSlave(t, NewFieldProcessor(NewFieldRegistry(hr), backend), ft)
	defer func() {
		s.Close(time.Second)
		<-done
	}()

	ft.push(t, event{ready: Ready{Listener: true}})

	ft.push(t, event{ready: Ready{Conn: 1}, frame: testFrame(1, 0x03, 0x00, 0x00, 0x00, 0x02)})
	if got := ft.next(t); got.ec != 0 || len(got.pdu) != 6 || got.pdu[2] != 0x12 || got.pdu[5] != 0x78 {
		t.Errorf("read response = %x/%v", got.pdu, got.ec)
	}

	ft.push(t, event{ready: Ready{Conn: 1}, frame: testFrame(2, 0x04, 0x00, 0x00, 0x00, 0x01)})
	if got := ft.next(t); got.ec != ExceptionIllegalFunction {
		t.Errorf("FC04 on holding registers = %x/%v", got.pdu, got.ec)
	}

	ft.push(t, event{ready: Ready{Conn: 1}, frame: testFrame(3, 0x06, 0x00, 0x01, 0x00, 0x2A)})
	if got := ft.next(t); got.ec != 0 || got.pdu[0] != 0x06 {
		t.Errorf("write response = %x/%v", got.pdu, got.ec)
	}
	// The next event is taken only after the write reached the backend.
	ft.push(t, event{ready: Ready{Conn: 1}})
	if v := backend.Get(hr).([]uint16); v[0] != 0 || v[1] != 0x2A {
		t.Errorf("backend value = %v, want [0 42]", v)
	}

	m := s.Metrics()
	if m.RequestsTotal.Value() != 3 || m.Exceptions.Value() != 1 || m.ForFunction(FuncReadInputRegisters).Errors.Value() != 1 {
		t.Errorf("requests/exceptions = %d/%d", m.RequestsTotal.Value(), m.Exceptions.Value())
	}
}
