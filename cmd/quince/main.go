// Command quince is a minimal QUIC client/server, built to exercise the
// transport package end to end rather than to be a production tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel    int
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quince",
	Short: "quince is a minimal QUIC client/server",
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&logLevel, "v", "v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics listen address (empty disables)")
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(serverCmd)
}
