// Package cmd implements the shuttle command line: a fetch client and a
// static file server over the engine.
package cmd

import (
	"os"

	"github.com/shuttlehq/shuttle/logger"
	"github.com/spf13/cobra"
)

var (
	configArg string
	cfg       = DefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "shuttle",
	Short: "shuttle is an HTTP/1 and HTTP/2 client and server toolkit.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configArg, "config", "", "config file path")
}

func initConfig() {
	if configArg == "" {
		return
	}
	c, err := ReadConfig(configArg)
	if err != nil {
		logger.Errorf("error reading config file: %s", err)
		return
	}
	cfg = c
}

// Execute main command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
