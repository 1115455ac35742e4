package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terminox/agent/internal/config"
	"github.com/terminox/agent/internal/daemon"
	"github.com/terminox/agent/internal/logger"
)

func main() {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "terminoxd",
		Short: "terminox terminal agent",
		Long:  "Exposes PTY-backed terminal sessions over an authenticated binary wire protocol for remote terminal clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			if configPath == "" {
				configPath = config.DefaultConfigPath()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return daemon.Run(ctx, cfg, configPath)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default $HOME/.terminox/config.yaml)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(initCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}
