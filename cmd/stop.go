package cmd

import (
	"fmt"
	"github.com/meetvora1883/slayers/slayers"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask running bots to shut down",
	Long: "Sends a stop notification to every bot using the same postgres " +
		"database. Running bots shut down gracefully when they receive it.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		db, err := slayers.CreateDB(ctx, cfg.DatabaseType, cfg.Database, cfg.DatabaseLogLevel)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		notifier, err := slayers.NewDBNotifier(
			cfg.DatabaseType,
			cfg.Database,
			slayers.NewDatabase(db, nil, cfg.DatabaseType == "postgres"),
			nil,
			nil,
		)
		if err != nil {
			return err
		}
		if err = notifier.Stop(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "stop notification sent")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
