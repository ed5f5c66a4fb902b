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
	"log/slog"
	"time"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	unitID  UnitID
	timeout time.Duration

	autoReconnect    bool
	reconnectBackoff time.Duration
	maxRetries       int

	floatOrder FloatOrder
	logger     *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:           1,
		timeout:          DefaultTimeout,
		reconnectBackoff: 1 * time.Second,
		maxRetries:       3,
		floatOrder:       ABCD,
		logger:           slog.Default(),
	}
}

// WithUnitID sets the default unit ID for requests.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets the timeout for operations.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss.
func WithAutoReconnect(enable bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enable
	}
}

// WithReconnectBackoff sets the wait before the first reconnect. Later
// attempts wait a multiple of it.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxRetries sets the maximum number of attempts per request when
// auto reconnect is enabled.
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) {
		o.maxRetries = n
	}
}

// WithFloatOrder sets the register layout ReadField and WriteField use for
// Float fields.
func WithFloatOrder(order FloatOrder) Option {
	return func(o *clientOptions) {
		o.floatOrder = order
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
	floatOrder  FloatOrder
	unitFilter  *UnitID
	transport   func(o *serverOptions) Transport
}

// DefaultMaxConnections is the connection limit of a FieldProcessor.
const DefaultMaxConnections = 5

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:     slog.Default(),
		maxConns:   DefaultMaxConnections,
		floatOrder: ABCD,
		transport: func(o *serverOptions) Transport {
			return NewTCPTransport(o.transportConfig())
		},
	}
}

func (o *serverOptions) transportConfig() TCPTransportConfig {
	return TCPTransportConfig{
		MaxConnections: o.maxConns,
		ReadTimeout:    o.readTimeout,
		FloatOrder:     o.floatOrder,
		UnitFilter:     o.unitFilter,
		Logger:         o.logger,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout closes client connections idle for longer than d.
// Zero keeps idle connections open.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithServerFloatOrder sets the register layout of Float fields.
func WithServerFloatOrder(order FloatOrder) ServerOption {
	return func(o *serverOptions) {
		o.floatOrder = order
	}
}

// WithUnitFilter makes the server ignore requests addressed to other units.
// Requests to the broadcast unit 0 are always served.
func WithUnitFilter(id UnitID) ServerOption {
	return func(o *serverOptions) {
		o.unitFilter = &id
	}
}

// WithTransport replaces the TCP transport, mainly for tests.
func WithTransport(t Transport) ServerOption {
	return func(o *serverOptions) {
		o.transport = func(*serverOptions) Transport { return t }
	}
}
