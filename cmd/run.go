package cmd

import (
	"github.com/meetvora1883/slayers/slayers"
	"github.com/spf13/cobra"
	"log"
)

var (
	runRebuildRegistry bool
	runNoAPI           bool

	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connect to discord and start handling name change requests",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			if cmd.Flags().Changed("rebuild-registry") {
				cfg.Requests.RebuildRegistryOnStart = runRebuildRegistry
			}
			if runNoAPI {
				cfg.API.Enabled = false
			}

			bot, err := slayers.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}
			if err = bot.Run(cmd.Context()); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

func init() {
	runCmd.Flags().BoolVar(
		&runRebuildRegistry,
		"rebuild-registry",
		false,
		"Rebuild the member registry from role holders' nicknames once connected",
	)
	runCmd.Flags().BoolVar(
		&runNoAPI,
		"no-api",
		false,
		"Don't start the health/stats HTTP API",
	)
	rootCmd.AddCommand(runCmd)
}
