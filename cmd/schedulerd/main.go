// Command schedulerd is the scheduler-side daemon: it terminates the
// control stream from every runtime (C3), arms registration + heartbeat
// supervision for each one (C2/C1), runs the placement framework (C4)
// against a live resource view, and hosts the per-instance proxy/dispatcher
// layer (C5). Thin cobra scaffolding only, matching the teacher's
// cmd/nova, cmd/comet daemon-command pattern (spec §1: CLI parsing itself
// is out of scope).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "schedulerd",
		Short: "corefn scheduler daemon",
		Long:  "Runs the scheduler-side control plane: control stream server, registration/heartbeat supervision, placement framework, and instance dispatcher.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a corefn.yaml config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
