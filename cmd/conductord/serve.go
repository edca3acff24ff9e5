package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/config"
	srv "github.com/conductorhq/conductor/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(context.Background(), cfg)
		},
	}
	serve.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches .)")
	return serve
}
