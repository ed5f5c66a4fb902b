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
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-slave"
)

var (
	dumpStart uint16
	dumpEnd   uint16
	dumpBatch uint16
	dumpFile  string
)

var dumpCmd = &cobra.Command{
	Use:   "dump <coils|di|hr|ir>",
	Short: "Dump a raw address range from a slave",
	Long: `Dump a raw address range of one register type, ignoring the field map.
Ranges larger than one request are read in batches. Batches the slave
rejects are shown as gaps.`,
	Example: `  fieldslave dump hr -a 0 -e 99 -H 127.0.0.1:1502
  fieldslave dump coils -a 0 -e 63 -o csv -f coils.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	f := dumpCmd.Flags()
	f.Uint16VarP(&dumpStart, "start", "a", 0, "Start address")
	f.Uint16VarP(&dumpEnd, "end", "e", 99, "End address (inclusive)")
	f.Uint16VarP(&dumpBatch, "batch", "b", 0, "Units per request (default: protocol maximum)")
	f.StringVarP(&dumpFile, "file", "f", "", "Output file (default: stdout)")
}

// DumpRow is one address of a dump. Bits dump as 0 or 1.
type DumpRow struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	Error   string `json:"error,omitempty"`
}

type rangeReader func(c *modbus.Client, ctx context.Context, addr, qty uint16) ([]uint16, error)

func bitReader(read func(*modbus.Client, context.Context, uint16, uint16) ([]bool, error)) rangeReader {
	return func(c *modbus.Client, ctx context.Context, addr, qty uint16) ([]uint16, error) {
		bits, err := read(c, ctx, addr, qty)
		if err != nil {
			return nil, err
		}
		out := make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				out[i] = 1
			}
		}
		return out, nil
	}
}

func readerFor(rt modbus.RegisterType) (rangeReader, uint16) {
	switch rt {
	case modbus.Coils:
		return bitReader((*modbus.Client).ReadCoils), modbus.MaxQuantityCoils
	case modbus.DiscreteInputs:
		return bitReader((*modbus.Client).ReadDiscreteInputs), modbus.MaxQuantityDiscreteInputs
	case modbus.HoldingRegisters:
		return (*modbus.Client).ReadHoldingRegisters, modbus.MaxQuantityRegisters
	default:
		return (*modbus.Client).ReadInputRegisters, modbus.MaxQuantityRegisters
	}
}

func runDump(cmd *cobra.Command, args []string) error {
	rt, err := modbus.ParseRegisterType(args[0])
	if err != nil {
		return err
	}
	read, limit := readerFor(rt)
	batch := dumpBatch
	if batch == 0 || batch > limit {
		batch = limit
	}
	start, end := dumpStart, dumpEnd
	if end < start {
		start, end = end, start
	}

	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	rows := make([]DumpRow, 0, int(end-start)+1)
	for addr := int(start); addr <= int(end); addr += int(batch) {
		qty := batch
		if rest := int(end) - addr + 1; rest < int(qty) {
			qty = uint16(rest)
		}
		readCtx, readCancel := context.WithTimeout(ctx, timeout)
		values, err := read(client, readCtx, uint16(addr), qty)
		readCancel()
		for i := 0; i < int(qty); i++ {
			row := DumpRow{Address: uint16(addr + i)}
			if err != nil {
				row.Error = err.Error()
			} else {
				row.Value = values[i]
			}
			rows = append(rows, row)
		}
	}

	out := io.Writer(os.Stdout)
	if dumpFile != "" {
		f, err := os.Create(dumpFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := writeDump(out, rt, rows); err != nil {
		return err
	}
	if dumpFile != "" {
		outputSuccess("%d addresses written to %s", len(rows), dumpFile)
	}
	return nil
}

func writeDump(out io.Writer, rt modbus.RegisterType, rows []DumpRow) error {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"address", "value", "error"})
		for _, r := range rows {
			w.Write([]string{strconv.Itoa(int(r.Address)), strconv.Itoa(int(r.Value)), r.Error})
		}
		w.Flush()
		return w.Error()
	}

	fmt.Fprintf(out, "\n%s\n", color(colorBold, rt.String()))
	fmt.Fprintln(out, strings.Repeat("=", 60))
	if rt.IsBit() {
		writeBitGrid(out, rows)
	} else {
		writeRegisterGrid(out, rows)
	}
	fmt.Fprintln(out)
	return nil
}

func writeBitGrid(out io.Writer, rows []DumpRow) {
	for i := 0; i < len(rows); i += 32 {
		fmt.Fprintf(out, "%5d: ", rows[i].Address)
		for j := i; j < i+32 && j < len(rows); j++ {
			switch {
			case rows[j].Error != "":
				fmt.Fprint(out, "?")
			default:
				fmt.Fprint(out, rows[j].Value)
			}
			if (j-i+1)%8 == 0 {
				fmt.Fprint(out, " ")
			}
		}
		fmt.Fprintln(out)
	}
}

// writeRegisterGrid prints 8 registers per line with their ASCII rendering.
func writeRegisterGrid(out io.Writer, rows []DumpRow) {
	printable := func(b byte) byte {
		if b >= 32 && b < 127 {
			return b
		}
		return '.'
	}
	for i := 0; i < len(rows); i += 8 {
		end := min(i+8, len(rows))
		var ascii strings.Builder
		fmt.Fprintf(out, "%5d: ", rows[i].Address)
		for _, r := range rows[i:end] {
			if r.Error != "" {
				fmt.Fprint(out, " ---- ")
				ascii.WriteString("..")
				continue
			}
			fmt.Fprintf(out, " %04X ", r.Value)
			ascii.WriteByte(printable(byte(r.Value >> 8)))
			ascii.WriteByte(printable(byte(r.Value)))
		}
		fmt.Fprintf(out, "%s |%s|\n", strings.Repeat("      ", 8-(end-i)), ascii.String())
	}
}
