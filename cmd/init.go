package cmd

import (
	"fmt"
	"github.com/meetvora1883/slayers/slayers"
	"github.com/spf13/cobra"
	"log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the registry database",
	Long: "Creates the database (or migrates an existing one) and reports " +
		"each table and how many members are registered. Doesn't connect to discord.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("SL_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal("SL_DATABASE not set (must be a connection string or sqlite file path)")
		}

		db, err := slayers.CreateDB(ctx, cfg.DatabaseType, cfg.Database, cfg.DatabaseLogLevel)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		tables, err := slayers.TableNames(db)
		if err != nil {
			log.Fatalf("Error listing tables: %v", err)
		}

		out := cmd.OutOrStdout()
		mg := db.Migrator()
		for _, table := range tables {
			fmt.Fprintf(out, "table %s: exists=%t\n", table, mg.HasTable(table))
		}

		store := slayers.NewGormStore(
			slayers.NewDatabase(db, nil, cfg.DatabaseType == "postgres"),
		)
		members, err := store.CountMembers(ctx)
		if err != nil {
			log.Fatalf("Error counting members: %v", err)
		}
		fmt.Fprintf(out, "registered members: %d\n", members)
		fmt.Fprintln(out, "Database ready, start the bot with 'slayers run'.")
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
