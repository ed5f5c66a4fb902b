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
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-slave"
)

var (
	watchInterval   time.Duration
	watchIterations int
	watchAll        bool
	watchLogFile    string
)

var watchCmd = &cobra.Command{
	Use:   "watch [index...]",
	Short: "Poll configured fields and print changes",
	Long: `Poll fields of the configured field map at a fixed interval and print a
line whenever a value changes. Without arguments every field is watched.
Stop with Ctrl-C.`,
	Example: `  fieldslave watch -c fieldslave.yaml -H 127.0.0.1:1502
  fieldslave watch -c fieldslave.yaml 1 3 -i 250ms --log values.csv`,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.DurationVarP(&watchInterval, "interval", "i", time.Second, "Poll interval")
	f.IntVarP(&watchIterations, "iterations", "n", 0, "Number of polls (0 = until interrupted)")
	f.BoolVar(&watchAll, "all", false, "Print every poll, not only changes")
	f.StringVar(&watchLogFile, "log", "", "Append every poll to a CSV file")
}

func runWatch(cmd *cobra.Command, args []string) error {
	fields, indexes, err := selectFields(args)
	if err != nil {
		return err
	}

	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	var log *csv.Writer
	if watchLogFile != "" {
		f, err := os.OpenFile(watchLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		log = csv.NewWriter(f)
		defer log.Flush()
	}

	outputInfo("Watching %d fields on %s every %s", len(fields), target, watchInterval)
	last := make([]string, len(fields))
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for n := 0; watchIterations == 0 || n < watchIterations; n++ {
		now := time.Now()
		for i, current := range pollFields(ctx, client, fields) {
			f := fields[i]
			if log != nil {
				log.Write([]string{now.Format(time.RFC3339Nano), strconv.Itoa(indexes[i]), f.String(), current})
			}
			if !watchAll && n > 0 && current == last[i] {
				continue
			}
			marker := ""
			if n > 0 && current != last[i] {
				marker = color(colorBold, " *")
			}
			fmt.Printf("%s  #%d %-32s %s%s\n", now.Format("15:04:05.000"), indexes[i], f, current, marker)
			last[i] = current
		}
		if log != nil {
			log.Flush()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// pollFields reads every field in one pass and renders each value or error.
func pollFields(ctx context.Context, client *modbus.Client, fields []modbus.Field) []string {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out := make([]string, len(fields))
	for i, r := range client.ReadFields(readCtx, fields...) {
		if r.Err != nil {
			out[i] = color(colorRed, "error: "+r.Err.Error())
			continue
		}
		out[i] = modbus.FormatValue(r.Value)
	}
	return out
}
