package cmd

import (
	"fmt"
	"github.com/meetvora1883/slayers/slayers"
	"github.com/spf13/cobra"
	"io"
	"log"
	"os"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the member registry as CSV",
	Long: "Writes every registered member's name, ID and discord tag as CSV, " +
		"to stdout or the file given by --out. Doesn't connect to discord.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		db, err := slayers.CreateDB(ctx, cfg.DatabaseType, cfg.Database, cfg.DatabaseLogLevel)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()
		store := slayers.NewGormStore(
			slayers.NewDatabase(db, nil, cfg.DatabaseType == "postgres"),
		)

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, createErr := os.Create(exportOut)
			if createErr != nil {
				log.Fatalf("Error creating %s: %v", exportOut, createErr)
			}
			defer func() {
				if closeErr := f.Close(); closeErr != nil {
					log.Printf("error closing %s: %v", exportOut, closeErr)
				}
			}()
			w = f
		}

		count, err := slayers.ExportRegistry(ctx, store, w)
		if err != nil {
			log.Fatalf("Error exporting registry: %v", err)
		}
		if exportOut != "" && exportOut != "-" {
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d members to %s\n", count, exportOut)
		}
	},
}

func init() {
	exportCmd.Flags().StringVarP(
		&exportOut,
		"out",
		"o",
		"",
		"File to write the CSV to (default: stdout)",
	)
	rootCmd.AddCommand(exportCmd)
}
