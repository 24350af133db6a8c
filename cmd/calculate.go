/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/waldocoin/waldo"
)

// calculateCommands quotes the reward for an XRP amount using the configured tier table.
func calculateCommands(app *waldoInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calculate <amount>",
		Short: "quote the WLO reward for an XRP amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("invalid amount %q: must be a positive XRP value", args[0])
			}

			distributor := app.cnf.Distributor
			table, err := waldo.NewBonusTierTable(distributor.BonusTiers, distributor.BaseConversionRate)
			if err != nil {
				log.Fatal(err)
			}

			quote := table.Quote(amount)
			data, _ := json.MarshalIndent(quote, "", "    ")
			fmt.Println(string(data))

			if amount.LessThan(distributor.MinimumAmount) {
				fmt.Printf("Note: payments below %s XRP are not rewarded\n", distributor.MinimumAmount)
			}
			return nil
		},
	}
	return cmd
}
