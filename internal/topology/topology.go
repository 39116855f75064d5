// Package topology parses the declarative multi-node description used for
// heterogeneous benchmark layouts. A description is a set of sections; node
// sections are named "node:<groupName>" and carry zone, image, vm_type, count
// and zero or more persistent-disk declarations.
package topology

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SectionCluster holds plan-wide settings (provider type, project, zone).
	SectionCluster = "cluster"

	// NodeSectionPrefix marks sections that declare a node group.
	NodeSectionPrefix = "node:"

	// DiskKeyPrefix marks persistent-disk declarations inside a node section.
	// The value is the literal triple "<sizeGB>:<logicalType>:<mountPoint>".
	DiskKeyPrefix = "pd_"
)

// Recognized node section keys.
const (
	KeyZone    = "zone"
	KeyImage   = "image"
	KeyVMType  = "vm_type"
	KeyCount   = "count"
	KeyType    = "type"
	KeyProject = "project"
)

// NodeSection is one named node group declaration.
type NodeSection struct {
	Name    string
	Options map[string]string
}

// Description is a parsed topology document.
type Description struct {
	Cluster map[string]string
	Nodes   []NodeSection
}

// Load reads and parses a topology description file.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Parse parses a topology description document.
func Parse(data []byte) (*Description, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse topology description: %w", err)
	}

	desc := &Description{Cluster: map[string]string{}}
	for section, options := range raw {
		stringified := make(map[string]string, len(options))
		for key, value := range options {
			stringified[key] = fmt.Sprint(value)
		}

		switch {
		case section == SectionCluster:
			desc.Cluster = stringified
		case strings.HasPrefix(section, NodeSectionPrefix):
			name := strings.TrimPrefix(section, NodeSectionPrefix)
			if name == "" {
				return nil, fmt.Errorf("node section %q has an empty group name", section)
			}
			desc.Nodes = append(desc.Nodes, NodeSection{Name: name, Options: stringified})
		default:
			return nil, fmt.Errorf("unrecognized topology section %q", section)
		}
	}

	// YAML maps carry no order; sort for deterministic resolution.
	sort.Slice(desc.Nodes, func(i, j int) bool { return desc.Nodes[i].Name < desc.Nodes[j].Name })

	return desc, nil
}

// Count returns the declared VM count for the section.
func (s NodeSection) Count() (int, error) {
	raw, ok := s.Options[KeyCount]
	if !ok {
		return 0, fmt.Errorf("node section %q is missing required key %q", s.Name, KeyCount)
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 1 {
		return 0, fmt.Errorf("node section %q has invalid %s %q", s.Name, KeyCount, raw)
	}
	return count, nil
}

// Require returns a required option value, failing with the section and key name.
func (s NodeSection) Require(key string) (string, error) {
	value, ok := s.Options[key]
	if !ok || value == "" {
		return "", fmt.Errorf("node section %q is missing required key %q", s.Name, key)
	}
	return value, nil
}

// DiskDeclaration is one parsed persistent-disk triple.
type DiskDeclaration struct {
	Key         string
	SizeGB      int
	LogicalType string
	MountPoint  string
}

// DiskDeclarations parses every persistent-disk key in the section, in sorted
// key order.
func (s NodeSection) DiskDeclarations() ([]DiskDeclaration, error) {
	var keys []string
	for key := range s.Options {
		if strings.HasPrefix(key, DiskKeyPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var decls []DiskDeclaration
	for _, key := range keys {
		value := s.Options[key]
		parts := strings.SplitN(value, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("node section %q key %q: expected \"<sizeGB>:<type>:<mountPoint>\", got %q", s.Name, key, value)
		}
		size, err := strconv.Atoi(parts[0])
		if err != nil || size < 1 {
			return nil, fmt.Errorf("node section %q key %q has invalid disk size %q", s.Name, key, parts[0])
		}
		decls = append(decls, DiskDeclaration{
			Key:         key,
			SizeGB:      size,
			LogicalType: parts[1],
			MountPoint:  parts[2],
		})
	}
	return decls, nil
}
