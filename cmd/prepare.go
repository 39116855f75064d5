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

// prepareCmd represents the prepare command
var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Resolve and provision the benchmark fleet",
	Long: `Prepare resolves the configured resource request into a fleet plan,
provisions every machine concurrently (create, open SSH, wait for boot,
refresh packages, attach scratch disks, warm up CPU), and writes the plan
snapshot so a later cleanup invocation can find everything.

The snapshot is written even when some machines fail: whatever was created
stays recorded for cleanup.`,
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

		p, err := plan.New(ctx, benchmarkName, cfg, keyPair)
		if err != nil {
			logging.Logger().Fatal("Failed to resolve resource plan", zap.Error(err))
		}

		prepareErr := p.Prepare(ctx)

		// Persist regardless of the outcome: partially prepared fleets must
		// stay discoverable for cleanup.
		if err := p.Save(); err != nil {
			logging.Logger().Error("Failed to save plan snapshot", zap.Error(err))
		}

		if prepareErr != nil {
			logging.Logger().Fatal("Fleet preparation failed",
				zap.String("benchmark", benchmarkName),
				zap.Error(prepareErr))
		}

		fmt.Printf("Fleet for benchmark %q is ready: %d machine(s)\n", benchmarkName, len(p.VMs()))
		for _, vm := range p.VMs() {
			rec := vm.Record()
			fmt.Printf("  - %s (%s) %s\n", rec.Name, rec.Zone, rec.IP)
		}
	},
}

func init() {
	rootCmd.AddCommand(prepareCmd)
}
