package main

import (
	"fmt"
	"os"

	"github.com/danmuck/panopticon/internal/logging"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/panopticonctl/config.toml"

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "panopticonctl",
		Short:         "RFID access control server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (defaults to "+defaultConfigPath+" when present)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDeviceCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func (o *rootOptions) load() (runtimeConfig, error) {
	path := o.ConfigPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	return loadRuntimeConfig(path)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "panopticonctl: %v\n", err)
		os.Exit(1)
	}
}
