package main

import (
	"fmt"
	"os"

	"github.com/danmuck/panopticon/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/sentinelctl/config.toml"

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "sentinelctl",
		Short:         "RFID reader device client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file")

	cmd.AddCommand(newRunCommand(&configPath))
	cmd.AddCommand(newCaptureCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelctl: %v\n", err)
		os.Exit(1)
	}
}
