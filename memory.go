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
	"sync"
)

// MemoryBackend is an in-memory Backend holding one value per field.
// Fields without a value read as nil, which the codec maps to zeros.
type MemoryBackend struct {
	mu          sync.Mutex
	values      map[Field]any
	connects    int
	disconnects int
	onWrite     func(Field, any)
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[Field]any)}
}

// OnWrite registers fn to be called after every master write.
func (b *MemoryBackend) OnWrite(fn func(Field, any)) {
	b.mu.Lock()
	b.onWrite = fn
	b.mu.Unlock()
}

// Connect implements Backend.
func (b *MemoryBackend) Connect() error {
	b.mu.Lock()
	b.connects++
	b.mu.Unlock()
	return nil
}

// Disconnect implements Backend.
func (b *MemoryBackend) Disconnect() error {
	b.mu.Lock()
	b.disconnects++
	b.mu.Unlock()
	return nil
}

// Read implements Backend.
func (b *MemoryBackend) Read(f Field) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[f], nil
}

// Write implements Backend.
func (b *MemoryBackend) Write(f Field, value any) error {
	b.mu.Lock()
	b.values[f] = value
	fn := b.onWrite
	b.mu.Unlock()
	if fn != nil {
		fn(f, value)
	}
	return nil
}

// Set stores value for f after checking its Go type.
func (b *MemoryBackend) Set(f Field, value any) error {
	if value != nil && !valueMatches(f.DataType, value) {
		return fmt.Errorf("%w: %T for %s", ErrValueType, value, f)
	}
	b.mu.Lock()
	b.values[f] = value
	b.mu.Unlock()
	return nil
}

// Get returns the value stored for f.
func (b *MemoryBackend) Get(f Field) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[f]
}

// Connects returns how often Connect was called.
func (b *MemoryBackend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Disconnects returns how often Disconnect was called.
func (b *MemoryBackend) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}
