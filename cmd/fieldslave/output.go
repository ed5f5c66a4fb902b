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


package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorBold  = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	fmt.Println(color(colorGreen, "OK") + " " + fmt.Sprintf(format, args...))
}

func outputError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+fmt.Sprintf(format, args...))
}

func outputInfo(format string, args ...interface{}) {
	fmt.Println(color(colorCyan, "INFO") + " " + fmt.Sprintf(format, args...))
}

// FieldResult is one row of fields and read output.
type FieldResult struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	DataType string `json:"data_type"`
	Address  int    `json:"address"`
	Quantity int    `json:"quantity"`
	Value    any    `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
}

func outputFields(title string, rows []FieldResult, withValues bool) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Printf("\n%s (%d fields)\n", color(colorBold, title), len(rows))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if withValues {
		fmt.Fprintln(w, "#\tTYPE\tDATA TYPE\tADDRESS\tQTY\tVALUE")
	} else {
		fmt.Fprintln(w, "#\tTYPE\tDATA TYPE\tADDRESS\tQTY")
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d", r.Index, r.Type, r.DataType, r.Address, r.Quantity)
		if withValues {
			if r.Error != "" {
				fmt.Fprintf(w, "\t%s", color(colorRed, r.Error))
			} else {
				fmt.Fprintf(w, "\t%v", r.Value)
			}
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	fmt.Println()
	return nil
}
