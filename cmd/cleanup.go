/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"

	"benchfleet/internal/config"
	"benchfleet/internal/logging"
	"benchfleet/internal/plan"
	"benchfleet/internal/sshkeys"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var purgeKeys bool

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Tear down a previously prepared benchmark fleet",
	Long: `Cleanup loads the plan snapshot written by prepare and deletes every
resource it records: machines, scratch disks, firewall rules and networks.

Teardown only happens when run_stage covers cleanup ("all" or "cleanup");
otherwise the fleet is left running for later stages.

With --purge-keys the stored SSH key pair is removed after a clean teardown.
The keys are shared by every fleet using the same key store, so only purge
when no other fleet is still running.`,
	Run: func(cmd *cobra.Command, args []string) {
		if benchmarkName == "" {
			logging.Logger().Fatal("Benchmark name is required (use -b)")
		}

		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		ctx := context.Background()

		keyProvider := sshkeys.NewKeyProvider(cfg.EtcdEndpoints, cfg.SSHKeyDir)
		defer keyProvider.Close()

		keyPair, err := keyProvider.GetOrCreate(ctx)
		if err != nil {
			logging.Logger().Fatal("Failed to get SSH key pair", zap.Error(err))
		}

		p, err := plan.Load(ctx, benchmarkName, cfg, keyPair)
		if err != nil {
			logging.Logger().Fatal("Failed to load plan snapshot", zap.Error(err))
		}

		if !cfg.RunStage.CleanupEligible() {
			fmt.Printf("run_stage %q does not cover cleanup; fleet %q left running\n", cfg.RunStage, benchmarkName)
			return
		}
		if p.Deleted() {
			fmt.Printf("Fleet for benchmark %q is already deleted\n", benchmarkName)
			return
		}

		deleteErr := p.Delete(ctx)

		if err := p.Save(); err != nil {
			logging.Logger().Error("Failed to save plan snapshot", zap.Error(err))
		}

		if deleteErr != nil {
			logging.Logger().Fatal("Fleet teardown finished with failures",
				zap.String("benchmark", benchmarkName),
				zap.Error(deleteErr))
		}

		if purgeKeys {
			if err := keyProvider.Delete(ctx); err != nil {
				logging.Logger().Error("Failed to delete stored SSH keys", zap.Error(err))
			} else {
				fmt.Println("Stored SSH key pair deleted")
			}
		}

		fmt.Printf("Fleet for benchmark %q deleted\n", benchmarkName)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&purgeKeys, "purge-keys", false, "delete the stored SSH key pair after teardown")
}
