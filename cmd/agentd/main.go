// Command agentd is the runtime-side daemon: it deploys function code
// artefacts on demand (C6), enforces the memory admission gate (C6), and
// maintains the outbound control stream to the scheduler (C2/C3). Thin
// cobra scaffolding only, matching the teacher's cmd/nova, cmd/comet
// daemon-command pattern (spec §1: CLI parsing itself is out of scope).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "corefn runtime agent daemon",
		Long:  "Runs the runtime-side agent: deploy pipeline, memory admission monitor, and the registration/heartbeat control stream to the scheduler.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a corefn.yaml config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
