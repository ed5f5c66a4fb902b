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
	"fmt"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-slave"
)

var writeCmd = &cobra.Command{
	Use:     "write <index> <value...>",
	Aliases: []string{"w"},
	Short:   "Write a configured field on a slave",
	Long: `Write one coil or holding register field of the configured field map.
Values are parsed according to the field data type: booleans accept
1/0/true/false/on/off, bytes accept decimal or 0x hex, a string field takes
all remaining arguments joined by spaces.`,
	Example: `  fieldslave write -c fieldslave.yaml 0 1 0 1
  fieldslave w -c fieldslave.yaml 2 49.5
  fieldslave w -c fieldslave.yaml 3 hello world`,
	Args: cobra.MinimumNArgs(2),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	fields, _, err := selectFields(args[:1])
	if err != nil {
		return err
	}
	f := fields[0]

	value, err := modbus.ParseValue(f.DataType, args[1:])
	if err != nil {
		return err
	}

	client, err := createClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if err := client.WriteField(ctx, f, value); err != nil {
		outputError("write %s failed", f)
		return err
	}
	outputSuccess("wrote %s to %s", modbus.FormatValue(value), f)
	return nil
}
