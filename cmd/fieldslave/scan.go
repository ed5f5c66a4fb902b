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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-slave"
)

var (
	scanFirstUnit uint8
	scanLastUnit  uint8
	scanWorkers   int
	scanTimeout   time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find the unit IDs that answer on a slave or gateway",
	Long: `Probe a range of unit IDs with a one-register read. A unit counts as
present when it answers, even with an exception. Useful to list the RTU
devices reachable through a gateway.`,
	Example: `  fieldslave scan -H 127.0.0.1:1502
  fieldslave scan --first 1 --last 32 --workers 4`,
	RunE: runScan,
}

func init() {
	f := scanCmd.Flags()
	f.Uint8Var(&scanFirstUnit, "first", 1, "First unit ID")
	f.Uint8Var(&scanLastUnit, "last", 247, "Last unit ID")
	f.IntVar(&scanWorkers, "workers", 8, "Concurrent probes")
	f.DurationVar(&scanTimeout, "probe-timeout", 500*time.Millisecond, "Timeout per probe")
}

// ScanResult is one unit that answered a probe.
type ScanResult struct {
	UnitID    uint8         `json:"unit_id"`
	Latency   time.Duration `json:"latency_ns"`
	Exception string        `json:"exception,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	first, last := scanFirstUnit, scanLastUnit
	if last < first {
		first, last = last, first
	}
	outputInfo("Scanning unit IDs %d-%d on %s", first, last, target)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []ScanResult
	)
	sem := make(chan struct{}, max(scanWorkers, 1))
	for id := int(first); id <= int(last); id++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uint8) {
			defer wg.Done()
			defer func() { <-sem }()
			if r, ok := probeUnit(id); ok {
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}(uint8(id))
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].UnitID < results[j].UnitID })
	return outputScan(results)
}

func probeUnit(id uint8) (ScanResult, bool) {
	client, err := modbus.NewClient(target,
		modbus.WithUnitID(modbus.UnitID(id)),
		modbus.WithTimeout(scanTimeout),
		modbus.WithLogger(logger),
	)
	if err != nil {
		return ScanResult{}, false
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return ScanResult{}, false
	}

	start := time.Now()
	_, err = client.ReadHoldingRegisters(ctx, 0, 1)
	result := ScanResult{UnitID: id, Latency: time.Since(start)}
	var me *modbus.ModbusError
	switch {
	case err == nil:
	case errors.As(err, &me):
		result.Exception = me.ExceptionCode.String()
	default:
		return ScanResult{}, false
	}
	return result, true
}

func outputScan(results []ScanResult) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		outputInfo("No unit answered")
		return nil
	}

	fmt.Printf("\n%s (%d units)\n", color(colorBold, "Scan results"), len(results))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tLATENCY\tANSWER")
	for _, r := range results {
		answer := color(colorGreen, "data")
		if r.Exception != "" {
			answer = r.Exception
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.UnitID, r.Latency.Round(time.Microsecond), answer)
	}
	w.Flush()
	fmt.Println()
	return nil
}
