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

import "testing"

func TestFloatOrderLayout(t *testing.T) {
	tests := []struct {
		order FloatOrder
		want  [2]uint16
	}{
		{ABCD, [2]uint16{0x3F80, 0x0000}},
		{CDAB, [2]uint16{0x0000, 0x3F80}},
		{BADC, [2]uint16{0x803F, 0x0000}},
		{DCBA, [2]uint16{0x0000, 0x803F}},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			var dst [2]uint16
			tt.order.SetFloat(1.0, dst[:])
			if dst != tt.want {
				t.Errorf("SetFloat(1.0) = %04X, want %04X", dst, tt.want)
			}
		})
	}
}

func TestFloatOrderRoundTrip(t *testing.T) {
	for _, order := range []FloatOrder{ABCD, CDAB, BADC, DCBA} {
		for _, v := range []float32{49.996532, -273.15, 0, 1e-20} {
			var dst [2]uint16
			order.SetFloat(v, dst[:])
			if got := order.GetFloat(dst[:]); got != v {
				t.Errorf("%s: round trip %v = %v", order, v, got)
			}
		}
	}
}

func TestParseFloatOrder(t *testing.T) {
	tests := map[string]FloatOrder{
		"abcd": ABCD, "": ABCD, "big": ABCD,
		"CDAB": CDAB, "word-swap": CDAB,
		"badc": BADC,
		"little": DCBA, "DCBA": DCBA,
	}
	for in, want := range tests {
		got, err := ParseFloatOrder(in)
		if err != nil || got != want {
			t.Errorf("ParseFloatOrder(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseFloatOrder("ACBD"); err == nil {
		t.Error("expected error for unknown order")
	}
}
