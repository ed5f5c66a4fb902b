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
	"github.com/spf13/cobra"
)

var fieldsCmd = &cobra.Command{
	Use:     "fields",
	Aliases: []string{"f", "ls"},
	Short:   "List the configured fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := cfg.Registry()
		if err != nil {
			return err
		}
		rows := make([]FieldResult, 0, registry.Len())
		for i, f := range registry.Fields() {
			rows = append(rows, FieldResult{
				Index:    i,
				Type:     f.RegisterType.String(),
				DataType: f.DataType.String(),
				Address:  f.Address,
				Quantity: f.Quantity,
			})
		}
		return outputFields("Fields", rows, false)
	},
}
