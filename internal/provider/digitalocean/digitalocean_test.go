package digitalocean

import (
	"testing"

	"benchfleet/internal/config"
	"benchfleet/internal/provider"
)

func TestNoScratchDiskAliases(t *testing.T) {
	reg, err := provider.Resolve(config.ProviderDigitalOcean)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, dt := range []provider.DiskType{provider.DiskStandard, provider.DiskSSD, provider.DiskIOPS} {
		if alias, ok := reg.DiskAliases[dt]; ok {
			t.Errorf("disk type %q unexpectedly maps to %q", dt, alias)
		}
	}
}
