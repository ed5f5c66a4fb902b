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
	"strconv"
	"strings"
)

// valueMatches reports whether value has the Go type the codec uses for dt.
func valueMatches(dt DataType, value any) bool {
	switch value.(type) {
	case []bool:
		return dt == Boolean
	case []byte:
		return dt == Byte
	case []int16:
		return dt == Short
	case []uint16:
		return dt == UShort
	case []float32:
		return dt == Float
	case []string:
		return dt == String
	}
	return false
}

// ParseValue converts textual values into the Go type the codec uses for dt.
// Byte values accept decimal or 0x-prefixed hex. A String field takes all
// arguments joined by spaces.
func ParseValue(dt DataType, args []string) (any, error) {
	switch dt {
	case Boolean:
		out := make([]bool, len(args))
		for i, a := range args {
			switch strings.ToLower(a) {
			case "1", "true", "on":
				out[i] = true
			case "0", "false", "off":
			default:
				return nil, fmt.Errorf("%w: invalid boolean %q", ErrValueType, a)
			}
		}
		return out, nil
	case Byte:
		out := make([]byte, len(args))
		for i, a := range args {
			v, err := strconv.ParseUint(a, 0, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid byte %q", ErrValueType, a)
			}
			out[i] = byte(v)
		}
		return out, nil
	case Short:
		out := make([]int16, len(args))
		for i, a := range args {
			v, err := strconv.ParseInt(a, 0, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid short %q", ErrValueType, a)
			}
			out[i] = int16(v)
		}
		return out, nil
	case UShort:
		out := make([]uint16, len(args))
		for i, a := range args {
			v, err := strconv.ParseUint(a, 0, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid unsigned short %q", ErrValueType, a)
			}
			out[i] = uint16(v)
		}
		return out, nil
	case Float:
		out := make([]float32, len(args))
		for i, a := range args {
			v, err := strconv.ParseFloat(a, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid float %q", ErrValueType, a)
			}
			out[i] = float32(v)
		}
		return out, nil
	case String:
		return []string{strings.Join(args, " ")}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

// FormatValue renders a codec value for display.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case []byte:
		parts := make([]string, len(v))
		for i, b := range v {
			parts[i] = fmt.Sprintf("0x%02X", b)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case []string:
		if len(v) == 1 {
			return strconv.Quote(strings.TrimRight(v[0], "\x00"))
		}
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
