package plan

import (
	"fmt"

	"benchfleet/internal/batch"
	"benchfleet/internal/provider"
	"benchfleet/internal/topology"
)

// resolveFlags builds the homogeneous, flag-driven plan: one "default" node
// group of NumVMs identical machines. With fewer zones than machines, the
// last zone absorbs the remainder; there is no wraparound.
func (p *Plan) resolveFlags() error {
	zones := p.cfg.Zones
	if len(zones) == 0 {
		zones = []string{p.reg.Defaults.Zone}
	}
	image := p.cfg.Image
	if image == "" {
		image = p.reg.Defaults.Image
	}
	machineType := p.cfg.MachineType
	if machineType == "" {
		machineType = p.reg.Defaults.MachineType
	}

	if p.cfg.ScratchDisks > 0 {
		if _, ok := p.reg.DiskAlias(provider.DiskStandard); !ok {
			return &ConfigurationError{
				Err: fmt.Errorf("provider %s does not support %q disks", p.providerName, provider.DiskStandard),
			}
		}
	}

	for index := 0; index < p.cfg.NumVMs; index++ {
		zone := zones[min(index, len(zones)-1)]
		vm := p.createVM(zone, machineType, image)
		for i := 0; i < p.cfg.ScratchDisks; i++ {
			vm.AddDiskSpec(provider.DiskSpec{
				SizeGB:     p.cfg.ScratchDiskSizeGB,
				Type:       provider.DiskStandard,
				MountPoint: fmt.Sprintf("/scratch%d", i),
			})
		}
		p.vms = append(p.vms, vm)
		p.groups["default"] = append(p.groups["default"], vm)
		p.zones = appendUnique(p.zones, zone)
	}

	p.images = appendUnique(p.images, image)
	p.machineTypes = appendUnique(p.machineTypes, machineType)
	return nil
}

// groupContribution is one node section's resolved shape. Sections are
// validated concurrently; each worker fills its own slot and this owning
// goroutine merges afterwards, so no shared plan state is touched from
// worker code.
type groupContribution struct {
	name        string
	zone        string
	image       string
	machineType string
	count       int
	disks       []provider.DiskSpec
}

// resolveTopology builds the heterogeneous plan: one node group per topology
// section.
func (p *Plan) resolveTopology(desc *topology.Description) error {
	defaultZone := desc.Cluster[topology.KeyZone]
	if defaultZone == "" {
		defaultZone = p.reg.Defaults.Zone
	}

	contributions := make([]*groupContribution, len(desc.Nodes))
	indexes := make([]int, len(desc.Nodes))
	for i := range indexes {
		indexes[i] = i
	}

	failures := batch.Run(indexes,
		func(i int) string { return desc.Nodes[i].Name },
		func(i int) error {
			contribution, err := p.resolveNodeSection(desc.Nodes[i], defaultZone)
			if err != nil {
				return err
			}
			contributions[i] = contribution
			return nil
		})
	if err := batch.Error(failures); err != nil {
		return err
	}

	for _, c := range contributions {
		p.zones = appendUnique(p.zones, c.zone)
		p.images = appendUnique(p.images, c.image)
		p.machineTypes = appendUnique(p.machineTypes, c.machineType)

		for i := 0; i < c.count; i++ {
			vm := p.createVM(c.zone, c.machineType, c.image)
			for _, disk := range c.disks {
				vm.AddDiskSpec(disk)
			}
			p.vms = append(p.vms, vm)
			p.groups[c.name] = append(p.groups[c.name], vm)
		}
	}
	return nil
}

// resolveNodeSection validates one section and returns its contribution.
// It reads only immutable plan state.
func (p *Plan) resolveNodeSection(section topology.NodeSection, defaultZone string) (*groupContribution, error) {
	zone := section.Options[topology.KeyZone]
	if zone == "" {
		zone = defaultZone
	}

	image, err := section.Require(topology.KeyImage)
	if err != nil {
		return nil, &ConfigurationError{Section: section.Name, Key: topology.KeyImage, Err: err}
	}
	machineType, err := section.Require(topology.KeyVMType)
	if err != nil {
		return nil, &ConfigurationError{Section: section.Name, Key: topology.KeyVMType, Err: err}
	}
	count, err := section.Count()
	if err != nil {
		return nil, &ConfigurationError{Section: section.Name, Key: topology.KeyCount, Err: err}
	}

	declarations, err := section.DiskDeclarations()
	if err != nil {
		return nil, &ConfigurationError{Section: section.Name, Err: err}
	}

	var disks []provider.DiskSpec
	for _, decl := range declarations {
		logical := provider.DiskType(decl.LogicalType)
		if _, ok := p.reg.DiskAlias(logical); !ok {
			return nil, &ConfigurationError{
				Section: section.Name,
				Key:     decl.Key,
				Err:     fmt.Errorf("provider %s does not support %q disks", p.providerName, logical),
			}
		}
		disks = append(disks, provider.DiskSpec{
			SizeGB:     decl.SizeGB,
			Type:       logical,
			MountPoint: decl.MountPoint,
		})
	}

	return &groupContribution{
		name:        section.Name,
		zone:        zone,
		image:       image,
		machineType: machineType,
		count:       count,
		disks:       disks,
	}, nil
}
