package main

import (
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/config"
	srv "github.com/conductorhq/conductor/internal/server"
)

func migrateCMD() *cobra.Command {
	var (
		cfgPath   string
		dir       string
		direction string
		steps     int
	)
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return srv.Migrate(dir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches .)")
	migrate.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
