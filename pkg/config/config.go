// Package config loads machine parameters from the environment and the
// optional boot manifest from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Machine MachineConfig
	Process ProcessConfig
	Logging LogConfig
}

// MachineConfig sizes the simulated hardware.
type MachineConfig struct {
	RAMPages   int `envconfig:"RAM_PAGES" default:"1024"`
	MaxThreads int `envconfig:"MAX_THREADS" default:"256"`
	// ImageDir is a host directory of program images mounted under /.
	ImageDir string `envconfig:"IMAGE_DIR"`
}

// ProcessConfig bounds the process table and exec arguments.
type ProcessConfig struct {
	PIDMin      int `envconfig:"PID_MIN" default:"2"`
	PIDMax      int `envconfig:"PID_MAX" default:"32767"`
	ArgLenMax   int `envconfig:"ARG_LEN_MAX" default:"128"`
	ArgCountMax int `envconfig:"ARG_COUNT_MAX" default:"64"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads configuration from KERNOS_* environment variables. Each
// section is processed with the bare prefix, so variables are named
// KERNOS_RAM_PAGES rather than KERNOS_MACHINE_RAM_PAGES.
func Load() (*Config, error) {
	var cfg Config
	for _, section := range []interface{}{&cfg.Machine, &cfg.Process, &cfg.Logging} {
		if err := envconfig.Process("kernos", section); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			RAMPages:   1024,
			MaxThreads: 256,
		},
		Process: ProcessConfig{
			PIDMin:      2,
			PIDMax:      32767,
			ArgLenMax:   128,
			ArgCountMax: 64,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration describes a bootable machine.
func (c *Config) Validate() error {
	switch {
	case c.Machine.RAMPages <= 0:
		return fmt.Errorf("ram pages must be positive, got %d", c.Machine.RAMPages)
	case c.Machine.MaxThreads <= 0:
		return fmt.Errorf("max threads must be positive, got %d", c.Machine.MaxThreads)
	case c.Process.PIDMin < 2:
		return fmt.Errorf("pid min must be at least 2, got %d", c.Process.PIDMin)
	case c.Process.PIDMax < c.Process.PIDMin:
		return fmt.Errorf("pid range [%d, %d] is empty", c.Process.PIDMin, c.Process.PIDMax)
	case c.Process.ArgLenMax < 1:
		return fmt.Errorf("arg len max must be positive, got %d", c.Process.ArgLenMax)
	case c.Process.ArgCountMax < 1:
		return fmt.Errorf("arg count max must be positive, got %d", c.Process.ArgCountMax)
	}
	return nil
}

// Manifest lists extra program images to install and programs to run at boot.
type Manifest struct {
	Images []ImageSpec  `yaml:"images"`
	Run    []RunCommand `yaml:"run"`
}

// ImageSpec describes an image built from a registered user program.
type ImageSpec struct {
	// Path is where the image is installed, e.g. /bin/hello.
	Path string `yaml:"path"`
	// Program is the registered program symbol the image enters.
	Program string `yaml:"program"`
	// DataPages is the size of the zero-filled data segment.
	DataPages int `yaml:"data_pages"`
}

// RunCommand is one kernel menu "p" command.
type RunCommand struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// LoadManifest reads a YAML boot manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a YAML boot manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	for i, img := range m.Images {
		if img.Path == "" || img.Program == "" {
			return nil, fmt.Errorf("manifest image %d: path and program are required", i)
		}
	}
	for i, run := range m.Run {
		if run.Path == "" {
			return nil, fmt.Errorf("manifest run %d: path is required", i)
		}
	}
	return &m, nil
}
