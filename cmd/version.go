package cmd

import (
	"fmt"
	"runtime"

	"github.com/shuttlehq/shuttle"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("shuttle %v %v/%v\n", shuttle.Version, runtime.GOOS, runtime.GOARCH)
		},
	})
}
