package main

import (
	"fmt"
	"os"

	"github.com/maartenbreddels/ipywebrtc/pkg/config"

	"github.com/spf13/cobra"
)

var flagConfig string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ipywebrtc",
	Short: "Host side of the ipywebrtc media widget runtime",
	Long: `ipywebrtc runs the host side of the media widget runtime: it owns the
entity directory, keeps attribute state in sync with an attached front-end
and exposes a REST control surface for creating and driving entities.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

// configPaths is searched in order when --config is not given.
var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/ipywebrtc/config.yaml",
	"config.yaml",
}

// loadConfig reads the --config file, or the first default location that
// exists. Defaults apply when none does.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.Load(flagConfig)
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load("")
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
