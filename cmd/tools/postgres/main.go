// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	rawLog "log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence/sql"
)

// installs the orchestrator schema into the configured postgres database
func main() {
	app := &cli.App{
		Name:  "PulseFlow postgres tool",
		Usage: "install the PulseFlow schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "./config/development-postgres.yaml",
				Usage: "the config holding the database connection",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.NewConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := cfg.ValidateAndSetDefaults(); err != nil {
				return err
			}

			zapLogger, err := cfg.Log.NewZapLogger()
			if err != nil {
				return err
			}
			logger := log.NewLogger(zapLogger)

			store, err := sql.NewSQLStore(*cfg.Database.SQL, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return store.(sql.SchemaSetup).SetupSchema(ctx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		rawLog.Fatal(err)
	}
}
