// Command fleetd runs the device fleet gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetd",
		Short:         "Device fleet gateway",
		Long:          "Coordinates chat device connections across instances and delivers their events to tenant webhooks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newDeadLettersCommand())
	cmd.AddCommand(newReceiverCommand())

	return cmd
}
