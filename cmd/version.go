package cmd

import (
	"fmt"
	"github.com/meetvora1883/slayers/slayers"
	"github.com/spf13/cobra"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bot's version and build info",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, slayers.Version)
			return
		}
		fmt.Fprintf(
			out,
			"slayers %s (commit %s, built %s)\n",
			slayers.Version,
			slayers.CommitSHA,
			slayers.BuildTime,
		)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version")
	rootCmd.AddCommand(versionCmd)
}
