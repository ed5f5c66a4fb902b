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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-slave/internal/config"
)

var (
	cfgFile   string
	verbose   bool
	outputFmt string
	noColor   bool

	// Client flags for read and write.
	target  string
	unitID  uint8
	timeout time.Duration
	retries int

	v      = config.New()
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fieldslave",
	Short: "A Modbus TCP slave serving a field map",
	Long: `fieldslave exposes a list of typed fields (booleans, bytes, shorts,
unsigned shorts, floats and strings) as Modbus coils, discrete inputs,
holding registers and input registers.

Examples:
  # Serve the fields of a configuration file from memory
  fieldslave serve -c fieldslave.yaml

  # Forward every request to an RTU line
  fieldslave serve --gateway rtu --device /dev/ttyUSB0

  # Read all configured fields from a running slave
  fieldslave read -c fieldslave.yaml -H 127.0.0.1:1502

  # Write field 2
  fieldslave write -c fieldslave.yaml 2 49.5`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		}
		if verbose {
			v.Set("log.level", "debug")
		}
		var err error
		if cfg, err = config.Decode(v); err != nil {
			return err
		}
		logger = config.NewLogger(cfg.Log, os.Stderr)
		if verbose && cfgFile != "" {
			logger.Debug("using config file", slog.String("path", v.ConfigFileUsed()))
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json (dump also accepts csv)")
	pf.BoolVar(&noColor, "no-color", false, "Disable color output")
	pf.String("float-order", "ABCD", "Float word order: ABCD, CDAB, BADC, DCBA")

	pf.StringVarP(&target, "host", "H", "127.0.0.1:502", "Slave address for read and write")
	pf.Uint8VarP(&unitID, "unit", "u", 1, "Unit ID for read and write")
	pf.DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Operation timeout")
	pf.IntVarP(&retries, "retries", "r", 1, "Number of attempts on connection failure")

	v.BindPFlag("float_order", pf.Lookup("float-order"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}
