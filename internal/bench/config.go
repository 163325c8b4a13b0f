package bench

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quartzlab/recvring/internal/ring"
)

// Config describes a benchmark run. All fields have working defaults, so an
// empty config (or no config file at all) is valid.
type Config struct {
	// Iterations repeats each (scenario, chunk size) measurement.
	Iterations int `yaml:"iterations"`

	// Sizes is the chunk-size sweep in bytes. Each must divide AllocLength.
	Sizes []uint32 `yaml:"sizes"`

	// AllocLength is the buffer capacity exercised, a power of two.
	AllocLength uint32 `yaml:"alloc_length"`

	// ModeSizes is the buffer-size sweep for the mode-comparison
	// benchmarks, powers of two.
	ModeSizes []uint32 `yaml:"mode_sizes"`

	// Label names this run in table output and gnuplot blocks.
	Label string `yaml:"label"`

	// Gnuplot is the data file to append results to ("" = no emission).
	Gnuplot string `yaml:"gnuplot"`
}

// DefaultConfig returns the standard sweep: small chunk sizes (2 to 64
// bytes) over a 64KB buffer.
func DefaultConfig() Config {
	return Config{
		Iterations:  200,
		Sizes:       []uint32{2, 4, 8, 16, 32, 64},
		AllocLength: 65536,
		ModeSizes:   []uint32{64, 256, 1024, 4096, 16384, 65536},
		Label:       "recvbuf",
	}
}

// LoadConfig reads a YAML config file and fills unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withDefaults(), cfg.validate()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if len(c.Sizes) == 0 {
		c.Sizes = d.Sizes
	}
	if c.AllocLength == 0 {
		c.AllocLength = d.AllocLength
	}
	if len(c.ModeSizes) == 0 {
		c.ModeSizes = d.ModeSizes
	}
	if c.Label == "" {
		c.Label = d.Label
	}
	return c
}

func (c Config) validate() error {
	if !ring.IsPow2(c.AllocLength) {
		return fmt.Errorf("alloc_length %d is not a power of two", c.AllocLength)
	}
	for _, s := range c.Sizes {
		if s == 0 || c.AllocLength%s != 0 {
			return fmt.Errorf("chunk size %d does not divide alloc_length %d", s, c.AllocLength)
		}
	}
	for _, s := range c.ModeSizes {
		if !ring.IsPow2(s) {
			return fmt.Errorf("mode size %d is not a power of two", s)
		}
	}
	return nil
}
