// Package config handles TOML configuration parsing for the executor's
// tunables: buffer sizes, capture chunk size, and poll cadence.
//
// TOML was chosen over YAML for simplicity and fewer footguns.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the executor's runtime tunables. None of these change
// wire-format behavior; they only affect internal buffer sizing and
// how often the event loop wakes to check drain progress.
type Config struct {
	// MaxSlots is informational: the slot table's size is fixed by the
	// wire format's 7-bit slot id (127 usable rows) and is never
	// resized at runtime. Validate checks this field's range, but
	// nothing else reads it: slot-id range checks use slot.MaxSlots.
	MaxSlots int `toml:"max_slots"`

	// InputBufSize and OutputBufSize size the framer's input buffer
	// and the drainer's output buffer, in bytes.
	InputBufSize  int `toml:"input_buf_size"`
	OutputBufSize int `toml:"output_buf_size"`

	// CaptureChunk bounds how many bytes a single capture-pipe read
	// turns into one Log frame.
	CaptureChunk int `toml:"capture_chunk"`

	// PollTimeoutMS is how often the event loop wakes on its own, in
	// the absence of any other event, to retry an opportunistic output
	// drain.
	PollTimeoutMS int `toml:"poll_timeout_ms"`

	// LowWaterFrac is the fraction of OutputBufSize above which a
	// handler should trigger a drain before continuing, so a single
	// large response can't starve the output stream.
	LowWaterFrac float64 `toml:"low_water_frac"`
}

// Default returns the tunables the executor starts with when no
// configuration file is given or a key is left unset.
func Default() Config {
	return Config{
		MaxSlots:      128,
		InputBufSize:  65536,
		OutputBufSize: 65536,
		CaptureChunk:  1024,
		PollTimeoutMS: 100,
		LowWaterFrac:  0.25,
	}
}

// Load reads and parses a TOML config file at path, applying it on top
// of Default. A missing file is not an error — the executor runs on
// defaults, matching a fresh install with no tuning applied yet.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects tunables that would make the executor unable to
// hold even a single frame, or a low-water fraction outside (0, 1].
func (c Config) Validate() error {
	if c.MaxSlots <= 0 || c.MaxSlots > 128 {
		return fmt.Errorf("max_slots must be in (0, 128], got %d", c.MaxSlots)
	}
	if c.InputBufSize < 256 {
		return fmt.Errorf("input_buf_size must be >= 256, got %d", c.InputBufSize)
	}
	if c.OutputBufSize < 256 {
		return fmt.Errorf("output_buf_size must be >= 256, got %d", c.OutputBufSize)
	}
	if c.CaptureChunk <= 0 || c.CaptureChunk > c.OutputBufSize {
		return fmt.Errorf("capture_chunk must be in (0, output_buf_size], got %d", c.CaptureChunk)
	}
	if c.PollTimeoutMS <= 0 {
		return fmt.Errorf("poll_timeout_ms must be positive, got %d", c.PollTimeoutMS)
	}
	if c.LowWaterFrac <= 0 || c.LowWaterFrac > 1 {
		return fmt.Errorf("low_water_frac must be in (0, 1], got %g", c.LowWaterFrac)
	}
	return nil
}
