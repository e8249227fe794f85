// Package config loads the YAML driver configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/IndiGo/internal/quirk"
)

// CameraConfig selects and tunes the capture backend.
type CameraConfig struct {
	// Backend is "sim" or "gst".
	Backend string `yaml:"backend"`
	// Device is the camera identifier to connect by default; empty means
	// the first enumerated camera.
	Device string `yaml:"device"`
	// GstNames lists the libcamera camera names exposed to the gst backend.
	GstNames []string `yaml:"gst_names"`
	// RestartPolicy is "automatic", "always" or "never".
	RestartPolicy string `yaml:"restart_policy"`
	// ForceBayerOrder overrides the rotation-derived Bayer pattern, for
	// sensors mounted in ways the stack does not report.
	ForceBayerOrder string `yaml:"force_bayer_order"`
	// IgnoreRawModes drops raw mode support even when the sensor offers it.
	IgnoreRawModes bool `yaml:"ignore_raw_modes"`
}

// WebConfig tunes the monitoring web server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// UploadConfig sets the defaults for local artifact storage. The matching
// properties can override these at runtime.
type UploadConfig struct {
	Mode   string `yaml:"mode"` // client / local / both
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// Config is the root of the YAML file.
type Config struct {
	Camera      CameraConfig `yaml:"camera"`
	Web         WebConfig    `yaml:"web"`
	Upload      UploadConfig `yaml:"upload"`
	SnapshotDir string       `yaml:"snapshot_dir"` // persisted property snapshots
	DebugLevel  int          `yaml:"debug_level"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Camera.Backend == "" {
		c.Camera.Backend = "sim"
	}
	if c.Camera.RestartPolicy == "" {
		c.Camera.RestartPolicy = "automatic"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8675"
	}
	if c.Upload.Mode == "" {
		c.Upload.Mode = "client"
	}
	if c.Upload.Dir == "" {
		c.Upload.Dir = "."
	}
	if c.Upload.Prefix == "" {
		c.Upload.Prefix = "IMAGE_XXX"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "."
	}
}

func (c *Config) validate() error {
	switch c.Camera.Backend {
	case "sim", "gst":
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Backend)
	}
	if _, err := quirk.ParseRestartPolicy(c.Camera.RestartPolicy); err != nil {
		return err
	}
	switch c.Upload.Mode {
	case "client", "local", "both":
	default:
		return fmt.Errorf("unknown upload mode %q", c.Upload.Mode)
	}
	if c.DebugLevel < 0 || c.DebugLevel > 4 {
		return fmt.Errorf("debug_level %d out of range 0-4", c.DebugLevel)
	}
	return nil
}

// RestartPolicy returns the parsed restart policy. Validation guarantees it
// parses.
func (c *Config) RestartPolicy() quirk.RestartPolicy {
	p, _ := quirk.ParseRestartPolicy(c.Camera.RestartPolicy)
	return p
}
