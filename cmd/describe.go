/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"benchfleet/internal/config"
	"benchfleet/internal/logging"
	"benchfleet/internal/plan"
	"benchfleet/internal/sshkeys"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// describeCmd represents the describe command
var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Show a prepared benchmark fleet",
	Long:  `Describe loads the plan snapshot written by prepare and prints the fleet: node groups, machines, networks and open ports.`,
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

		fmt.Printf("Benchmark: %s\n", p.Benchmark())
		fmt.Printf("Provider:  %s\n", p.Provider())
		fmt.Printf("Zones:     %s\n", strings.Join(p.Zones(), ", "))
		fmt.Printf("Deleted:   %v\n", p.Deleted())

		groupNames := p.GroupNames()
		sort.Strings(groupNames)
		for _, group := range groupNames {
			fmt.Printf("\nGroup %s:\n", group)
			for _, vm := range p.Group(group) {
				rec := vm.Record()
				line := fmt.Sprintf("  - %s zone=%s ip=%s", rec.Name, rec.Zone, rec.IP)
				if rec.Static {
					line += " (static)"
				}
				fmt.Println(line)
				for _, disk := range rec.Disks {
					fmt.Printf("      disk %dGB %s at %s\n", disk.SizeGB, disk.Type, disk.MountPoint)
				}
			}
		}

		networkZones := p.NetworkZones()
		sort.Strings(networkZones)
		if len(networkZones) > 0 {
			fmt.Printf("\nNetworks: %s\n", strings.Join(networkZones, ", "))
		}
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
}
