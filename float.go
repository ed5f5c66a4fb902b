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
	"math"
	"math/bits"
	"strings"
)

// FloatEncoder converts an IEEE-754 float32 to and from a register pair.
// The register layout is defined by the implementation.
type FloatEncoder interface {
	SetFloat(value float32, dst []uint16)
	GetFloat(src []uint16) float32
}

// FloatOrder is a FloatEncoder for one of the four common register layouts.
// Letters name the bytes of the big-endian IEEE-754 representation.
type FloatOrder int

const (
	// ABCD puts the high word first, high byte first.
	ABCD FloatOrder = iota
	// CDAB swaps the words.
	CDAB
	// BADC swaps the bytes inside each word.
	BADC
	// DCBA is fully little-endian.
	DCBA
)

// String returns the layout name.
func (o FloatOrder) String() string {
	switch o {
	case ABCD:
		return "ABCD"
	case CDAB:
		return "CDAB"
	case BADC:
		return "BADC"
	case DCBA:
		return "DCBA"
	default:
		return fmt.Sprintf("FloatOrder(%d)", int(o))
	}
}

// ParseFloatOrder parses a layout name. "big" and "little" are accepted as
// aliases for ABCD and DCBA.
func ParseFloatOrder(s string) (FloatOrder, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ABCD", "BIG", "":
		return ABCD, nil
	case "CDAB", "WORD-SWAP":
		return CDAB, nil
	case "BADC", "BYTE-SWAP":
		return BADC, nil
	case "DCBA", "LITTLE":
		return DCBA, nil
	}
	return 0, fmt.Errorf("modbus: unknown float order %q", s)
}

// SetFloat writes value into dst[0:2].
func (o FloatOrder) SetFloat(value float32, dst []uint16) {
	u := math.Float32bits(value)
	hi, lo := uint16(u>>16), uint16(u)
	switch o {
	case CDAB:
		dst[0], dst[1] = lo, hi
	case BADC:
		dst[0], dst[1] = bits.ReverseBytes16(hi), bits.ReverseBytes16(lo)
	case DCBA:
		dst[0], dst[1] = bits.ReverseBytes16(lo), bits.ReverseBytes16(hi)
	default:
		dst[0], dst[1] = hi, lo
	}
}

// GetFloat reads a float from src[0:2].
func (o FloatOrder) GetFloat(src []uint16) float32 {
	var hi, lo uint16
	switch o {
	case CDAB:
		lo, hi = src[0], src[1]
	case BADC:
		hi, lo = bits.ReverseBytes16(src[0]), bits.ReverseBytes16(src[1])
	case DCBA:
		lo, hi = bits.ReverseBytes16(src[0]), bits.ReverseBytes16(src[1])
	default:
		hi, lo = src[0], src[1]
	}
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}
