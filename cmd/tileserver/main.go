package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tileserver",
	Short: "Caching map tile server",
	Long: `tileserver answers XYZ tile requests from a two-tier cache and
falls back through an ordered chain of tile providers on a miss.
Configuration is read from the environment.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, warmupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
