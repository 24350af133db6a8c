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
	"database/sql"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
	"github.com/waldocoin/waldo"
	"github.com/waldocoin/waldo/database"
)

const schemaName = "waldo"

var migrations = migrate.EmbedFileSystemMigrationSource{
	FileSystem: waldo.SQLFiles,
	Root:       "sql",
}

// migrateCommands manages the processed record and audit log schema.
func migrateCommands(app *waldoInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "manage the waldo database schema",
	}

	cmd.AddCommand(migrateUpCommand(app))
	cmd.AddCommand(migrateDownCommand(app))
	cmd.AddCommand(migrateStatusCommand(app))

	return cmd
}

// withSchema opens the configured database and makes sure the waldo schema exists before
// sql-migrate writes its bookkeeping table into it.
func withSchema(app *waldoInstance, fn func(db *sql.DB) error) error {
	db, err := database.ConnectDB(app.cnf.DataSource)
	if err != nil {
		return fmt.Errorf("error connecting to database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + schemaName); err != nil {
		return fmt.Errorf("error creating schema: %v", err)
	}
	migrate.SetSchema(schemaName)

	return fn(db)
}

func migrateUpCommand(app *waldoInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "apply pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			err := withSchema(app, func(db *sql.DB) error {
				n, err := migrate.Exec(db, "postgres", migrations, migrate.Up)
				if err != nil {
					return fmt.Errorf("error migrating up: %v", err)
				}
				fmt.Printf("Applied %d migrations!\n", n)
				return nil
			})
			if err != nil {
				log.Println(err)
			}
		},
	}
}

func migrateDownCommand(app *waldoInstance) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "roll back applied migrations",
		Run: func(cmd *cobra.Command, args []string) {
			err := withSchema(app, func(db *sql.DB) error {
				n, err := migrate.ExecMax(db, "postgres", migrations, migrate.Down, steps)
				if err != nil {
					return fmt.Errorf("error migrating down: %v", err)
				}
				fmt.Printf("Rolled back %d migrations!\n", n)
				return nil
			})
			if err != nil {
				log.Println(err)
			}
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back, 0 for all")
	return cmd
}

func migrateStatusCommand(app *waldoInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "list applied migrations",
		Run: func(cmd *cobra.Command, args []string) {
			err := withSchema(app, func(db *sql.DB) error {
				records, err := migrate.GetMigrationRecords(db, "postgres")
				if err != nil {
					return fmt.Errorf("error reading migrations: %v", err)
				}

				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MIGRATION\tAPPLIED AT")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\n", r.Id, r.AppliedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
			if err != nil {
				log.Println(err)
			}
		},
	}
}
