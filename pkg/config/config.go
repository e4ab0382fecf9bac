// Package config loads the harness configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oisee/cftrace/pkg/trace"
)

// Config is the harness configuration. Zero fields in a file keep their
// defaults.
type Config struct {
	Capacity   int           `yaml:"capacity"`
	Timeout    time.Duration `yaml:"timeout"`
	Truncation string        `yaml:"truncation"`

	Log      Log          `yaml:"log"`
	Layout   trace.Layout `yaml:"layout"`
	WASM     WASM         `yaml:"wasm"`
	GPU      GPU          `yaml:"gpu"`
	Campaign Campaign     `yaml:"campaign"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WASM configures the linear-memory backend.
type WASM struct {
	MemoryModule string `yaml:"memory_module"`
	MemoryName   string `yaml:"memory_name"`
}

// GPU configures the compute-dispatch backend.
type GPU struct {
	// Device is the gpu driver name: soft, dispatch or wgpu.
	Device     string     `yaml:"device"`
	Adapter    string     `yaml:"adapter"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
}

// Dispatcher configures the out-of-process dispatch server.
type Dispatcher struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`
}

// Campaign configures differential campaigns.
type Campaign struct {
	Workers         int    `yaml:"workers"`
	Seed            uint64 `yaml:"seed"`
	Cases           int    `yaml:"cases"`
	MaxDirections   int    `yaml:"max_directions"`
	Checkpoint      string `yaml:"checkpoint"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	// Metrics is a listen address for the prometheus endpoint; empty
	// disables it.
	Metrics string `yaml:"metrics"`
	// Graph is the control-flow graph document used as oracle and case
	// generator.
	Graph   string   `yaml:"graph"`
	Targets []Target `yaml:"targets"`
}

// Target is one campaign target: a backend and the kernel built for it.
type Target struct {
	Name     string `yaml:"name"`
	Backend  string `yaml:"backend"`
	Artifact string `yaml:"artifact"`
	// Device overrides gpu.device for this target.
	Device string `yaml:"device"`
	// Env is added to the dispatch server environment, e.g. to select a
	// device build.
	Env []string `yaml:"env"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Capacity:   trace.DefaultCapacity,
		Timeout:    10 * time.Second,
		Truncation: trace.Reject.String(),
		Log:        Log{Level: "info", Format: "console"},
		Layout:     trace.DefaultLayout(),
		WASM:       WASM{MemoryModule: "js", MemoryName: "memory"},
		GPU: GPU{
			Device:     "soft",
			Dispatcher: Dispatcher{Path: "cfdispatch", Args: []string{"serve"}},
		},
		Campaign: Campaign{
			Seed:            1,
			Cases:           100,
			MaxDirections:   64,
			CheckpointEvery: 50,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if err := c.decode(data); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Parse decodes data over the defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := c.decode(data); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, c.Validate()
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Policy returns the parsed truncation policy.
func (c Config) Policy() (trace.TruncationPolicy, error) {
	return trace.ParseTruncationPolicy(c.Truncation)
}

// TraceLayout is the layout with the configured capacity applied.
func (c Config) TraceLayout() trace.Layout {
	return c.Layout.WithCapacity(c.Capacity)
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("config: capacity %d must be at least 1", c.Capacity)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: negative timeout %s", c.Timeout)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.TraceLayout().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Campaign.Workers < 0 || c.Campaign.Cases < 0 || c.Campaign.MaxDirections < 0 {
		return fmt.Errorf("config: campaign counts must not be negative")
	}
	names := make(map[string]bool, len(c.Campaign.Targets))
	for i, t := range c.Campaign.Targets {
		if t.Name == "" || t.Artifact == "" {
			return fmt.Errorf("config: campaign target %d needs a name and an artifact", i)
		}
		if names[t.Name] {
			return fmt.Errorf("config: duplicate campaign target %q", t.Name)
		}
		names[t.Name] = true
		switch t.Backend {
		case "wasm", "gpu":
		default:
			return fmt.Errorf("config: target %q: unknown backend %q", t.Name, t.Backend)
		}
	}
	return nil
}
