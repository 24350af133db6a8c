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
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/waldocoin/waldo"
	"github.com/waldocoin/waldo/config"
	"github.com/waldocoin/waldo/database"
	redis_db "github.com/waldocoin/waldo/internal/redis-db"
	"github.com/waldocoin/waldo/internal/xrpl"
)

// Waldo represents the CLI application, encapsulating the root Cobra command.
type Waldo struct {
	cmd *cobra.Command
}

// waldoInstance carries the loaded configuration and, for commands that need it, the wired
// distribution pipeline.
type waldoInstance struct {
	cnf    *config.Configuration
	waldo  *waldo.Waldo
	ledger *xrpl.Client
	redis  *redis_db.Redis
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any command runs. A .env file next to the binary
// is read first so that its values feed the WALDO_ overrides.
func preRun(app *waldoInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("Warning: could not load .env file: %v", err)
		}

		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config: ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setup connects to Postgres, Redis and the XRPL node and builds the pipeline.
func (app *waldoInstance) setup(opts ...waldo.Option) error {
	db, err := database.NewDataSource(app.cnf)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	rdb, err := redis_db.NewFromConfig(app.cnf.Redis)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}

	signer, err := xrpl.NewWalletSigner(app.cnf.Distributor.SigningSeed)
	if err != nil {
		_ = rdb.Close()
		return err
	}

	ledger := xrpl.NewClient(app.cnf.XRPL)
	w, err := waldo.NewWaldo(db, ledger, signer, rdb.Client(), opts...)
	if err != nil {
		_ = ledger.Close()
		_ = rdb.Close()
		return fmt.Errorf("error creating waldo: %v", err)
	}

	app.waldo = w
	app.ledger = ledger
	app.redis = rdb
	return nil
}

func (app *waldoInstance) close() {
	if app.ledger != nil {
		if err := app.ledger.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close ledger connection")
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close redis connection")
		}
	}
}

// start launches the pipeline for commands that process or resolve rewards.
func (app *waldoInstance) start(ctx context.Context, opts ...waldo.Option) error {
	if err := app.setup(opts...); err != nil {
		return err
	}
	return app.waldo.Start(ctx)
}

// NewCLI creates the command-line interface for the distributor.
func NewCLI() *Waldo {
	var configFile string
	app := &waldoInstance{}

	var rootCmd = &cobra.Command{
		Use:   "waldo",
		Short: "WLO reward distributor for the XRP Ledger",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./waldo.json", "Configuration file for the distributor")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(startCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(reconcileCommands(app))
	rootCmd.AddCommand(calculateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Waldo{cmd: rootCmd}
}

func (w Waldo) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
