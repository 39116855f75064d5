/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	// Provider registrations.
	_ "benchfleet/internal/provider/aws"
	_ "benchfleet/internal/provider/digitalocean"
	_ "benchfleet/internal/provider/gcp"
	_ "benchfleet/internal/provider/yandex"
)

var benchmarkName string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "benchfleet",
	Short: "Provision and tear down benchmark machine fleets across clouds",
	Long: `Benchfleet resolves a benchmark's resource request into a concrete fleet of
machines, provisions them concurrently on the configured cloud provider, and
tears everything down when the benchmark is done.

The fleet is described either by flags in the config file (N identical
machines) or by a topology file with one node group per section.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&benchmarkName, "benchmark", "b", "", "Benchmark name (identifies the fleet and its snapshot)")
}
