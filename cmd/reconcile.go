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
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// reconcileCommands runs a single reconciliation pass and prints what it did.
func reconcileCommands(app *waldoInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "resolve stale claims and requeue overdue retries",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			if err := app.setup(); err != nil {
				log.Fatal(err)
			}
			defer app.close()
			defer app.waldo.Stop()

			result, err := app.waldo.Reconcile(ctx)
			if err != nil {
				log.Fatalf("Error reconciling: %v", err)
			}

			data, _ := json.MarshalIndent(result, "", "    ")
			fmt.Println(string(data))
		},
	}
	return cmd
}
