package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ServerAddr string
	LogLevel   string
}

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}

	root := &cobra.Command{
		Use:           "taskwire",
		Short:         "Remote process server and dataflow reconciliation toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.ServerAddr, "server", "localhost:20202", "process server address")
	root.PersistentFlags().StringVar(&global.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(global),
		newStartCommand(global),
		newEndCommand(global),
		newPidCommand(global),
		newInfoCommand(global),
		newCreateLogCommand(global),
		newKillAllCommand(global),
		newUploadCommand(global),
		newUploadStateCommand(global),
		newWaitRunningCommand(global),
		newQuitCommand(global),
	)
	return root
}
