package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/storageinator/backend/pkg/utils"
)

var (
	flagConfigFile string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "storageinator",
	Short: "Storageinator directory and file metadata service",
	Long: `Storageinator keeps a directory tree with per-user permissions and
hands out presigned URLs for file bytes held in an S3-compatible store.

Commands:
  storageinator serve      Run the HTTP API and the upload reaper (default)
  storageinator reap       Remove expired pending uploads once and exit
  storageinator migrate    Apply the schema and seed the first admin`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Init()

		if flagConfigFile != "" {
			if err := os.Setenv("CONFIG_FILE", flagConfigFile); err != nil {
				return err
			}
		}

		var err error
		cfg, err = config.LoadWithError()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Path to a YAML or TOML config file (overrides CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd, reapCmd, migrateCmd)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
