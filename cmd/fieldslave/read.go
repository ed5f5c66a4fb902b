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
	"strconv"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-slave"
)

var readCmd = &cobra.Command{
	Use:     "read [index...]",
	Aliases: []string{"r"},
	Short:   "Read configured fields from a slave",
	Long: `Read fields of the configured field map from a running slave and decode
them with the configured float order. Without arguments every field is read.`,
	Example: `  fieldslave read -c fieldslave.yaml -H 127.0.0.1:1502
  fieldslave r -c fieldslave.yaml 0 2 -o json`,
	RunE: runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	fields, indexes, err := selectFields(args)
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

	rows := make([]FieldResult, 0, len(fields))
	failed := 0
	for i, r := range client.ReadFields(ctx, fields...) {
		f := r.Field
		row := FieldResult{
			Index:    indexes[i],
			Type:     f.RegisterType.String(),
			DataType: f.DataType.String(),
			Address:  f.Address,
			Quantity: f.Quantity,
		}
		switch {
		case r.Err != nil:
			row.Error = r.Err.Error()
			failed++
		case outputFmt == "json":
			row.Value = r.Value
		default:
			row.Value = modbus.FormatValue(r.Value)
		}
		rows = append(rows, row)
	}
	if err := outputFields("Values", rows, true); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fields could not be read", failed, len(fields))
	}
	return nil
}

// selectFields resolves field indexes; no arguments selects every field.
func selectFields(args []string) ([]modbus.Field, []int, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, nil, err
	}
	all := registry.Fields()
	if len(args) == 0 {
		indexes := make([]int, len(all))
		for i := range all {
			indexes[i] = i
		}
		return all, indexes, nil
	}

	fields := make([]modbus.Field, 0, len(args))
	indexes := make([]int, 0, len(args))
	for _, a := range args {
		i, err := strconv.Atoi(a)
		if err != nil || i < 0 || i >= len(all) {
			return nil, nil, fmt.Errorf("invalid field index %q (have %d fields)", a, len(all))
		}
		fields = append(fields, all[i])
		indexes = append(indexes, i)
	}
	return fields, indexes, nil
}

func createClient() (*modbus.Client, error) {
	return modbus.NewClient(
		target,
		modbus.WithUnitID(modbus.UnitID(unitID)),
		modbus.WithTimeout(timeout),
		modbus.WithAutoReconnect(retries > 1),
		modbus.WithMaxRetries(retries),
		modbus.WithFloatOrder(cfg.FloatEncoder()),
		modbus.WithLogger(logger),
	)
}
