package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arkver/hvstage/internal/stage"
)

// Manifest describes one boot session: the hypervisor and its ordered
// modules.
type Manifest struct {
	Hypervisor HypervisorSpec `yaml:"hypervisor"`
	Modules    []ModuleSpec   `yaml:"modules"`
}

// HypervisorSpec names the hypervisor image and its boot arguments.
type HypervisorSpec struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// ModuleSpec describes one auxiliary module. Either Path or, for ramdisk
// modules, Dir must be set; Dir builds a cpio archive from a directory tree.
type ModuleSpec struct {
	Type       string   `yaml:"type"`
	Path       string   `yaml:"path"`
	Dir        string   `yaml:"dir"`
	Compatible string   `yaml:"compatible"`
	Args       []string `yaml:"args"`
}

// Category maps the manifest type to a module category.
func (m *ModuleSpec) Category() (stage.Category, error) {
	switch m.Type {
	case "kernel":
		return stage.CategoryImage, nil
	case "ramdisk":
		return stage.CategoryInitrd, nil
	case "policy":
		return stage.CategorySecurityPolicy, nil
	case "custom":
		return stage.CategoryCustom, nil
	default:
		return 0, fmt.Errorf("%w: unknown module type %q", stage.ErrBadArgument, m.Type)
	}
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Hypervisor.Path == "" {
		return fmt.Errorf("%w: manifest is missing hypervisor.path", stage.ErrBadArgument)
	}
	for i, mod := range m.Modules {
		cat, err := mod.Category()
		if err != nil {
			return fmt.Errorf("module %d: %w", i, err)
		}
		if mod.Compatible != "" && cat != stage.CategoryCustom {
			return fmt.Errorf("%w: module %d: compatible is only valid for custom modules",
				stage.ErrBadArgument, i)
		}
		if mod.Dir != "" && cat != stage.CategoryInitrd {
			return fmt.Errorf("%w: module %d: dir is only valid for ramdisk modules",
				stage.ErrBadArgument, i)
		}
		if mod.Path == "" && mod.Dir == "" {
			return fmt.Errorf("%w: module %d: path or dir required", stage.ErrBadArgument, i)
		}
		if mod.Path != "" && mod.Dir != "" {
			return fmt.Errorf("%w: module %d: path and dir are mutually exclusive",
				stage.ErrBadArgument, i)
		}
	}
	return nil
}
