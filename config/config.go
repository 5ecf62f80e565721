// Package config holds the machine configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string such as "10ms".
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Image is a file copied into guest physical memory before the run.
type Image struct {
	Path    string `json:"path"`
	Address uint32 `json:"address"`
}

// Boot describes the register convention used to start a kernel loader
// in flat 32-bit protected mode. EAX receives the memory size, EBX the
// size of the second image, and ECX the command line address.
type Boot struct {
	Entry       uint32 `json:"entry"`
	CmdlineAddr uint32 `json:"cmdline_addr"`
	Cmdline     string `json:"cmdline"`
}

// Config describes a machine.
type Config struct {
	// MemSize is the guest physical memory size in bytes. Default: 16 MiB.
	MemSize uint32 `json:"mem_size"`

	// QuantumCycles is the number of instructions run between host
	// checks. Default: 100000.
	QuantumCycles int `json:"quantum_cycles"`

	// IdleSleep is how long the run loop sleeps while the CPU is halted.
	// Default: 10ms.
	IdleSleep Duration `json:"idle_sleep"`

	// ConsolePort receives guest debug output one byte at a time. Zero
	// disables it. Default: 0xE9.
	ConsolePort uint16 `json:"console_port"`

	// Images are loaded in order.
	Images []Image `json:"images,omitempty"`

	// Boot, when set, starts the CPU in flat protected mode instead of
	// at the reset vector.
	Boot *Boot `json:"boot,omitempty"`

	// RestrictTSC sets CR4.TSD at start so that ring 3 cannot read the
	// time-stamp counter.
	RestrictTSC bool `json:"restrict_tsc"`

	// StringFastPath enables bulk REP string execution. Default: true.
	StringFastPath bool `json:"string_fast_path"`
}

// Default returns the configuration of a 16 MiB machine with a debug
// console on port 0xE9.
func Default() *Config {
	return &Config{
		MemSize:        16 << 20,
		QuantumCycles:  100000,
		IdleSleep:      Duration(10 * time.Millisecond),
		ConsolePort:    0xE9,
		StringFastPath: true,
	}
}

// DefaultBoot returns the conventional boot block: entry at 0x10000 and
// the command line at 0xF800.
func DefaultBoot() *Boot {
	return &Boot{Entry: 0x10000, CmdlineAddr: 0xF800}
}

// Load reads a Config from a JSON file. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse machine config: %w", err)
	}

	return config, nil
}

// Save writes the Config to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize machine config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write machine config file: %w", err)
	}

	return nil
}

// Validate checks sizes and that every fixed address lies inside guest
// memory.
func (c *Config) Validate() error {
	if c.MemSize == 0 || c.MemSize%4096 != 0 {
		return fmt.Errorf("mem_size must be a non-zero multiple of 4096")
	}
	if c.QuantumCycles <= 0 {
		return fmt.Errorf("quantum_cycles must be > 0")
	}
	if c.IdleSleep < 0 {
		return fmt.Errorf("idle_sleep must be >= 0")
	}
	for i, img := range c.Images {
		if img.Path == "" {
			return fmt.Errorf("images[%d]: path is required", i)
		}
		if img.Address >= c.MemSize {
			return fmt.Errorf("images[%d]: address 0x%x is outside memory", i, img.Address)
		}
	}
	if b := c.Boot; b != nil {
		if b.Entry >= c.MemSize {
			return fmt.Errorf("boot.entry 0x%x is outside memory", b.Entry)
		}
		if uint64(b.CmdlineAddr)+uint64(len(b.Cmdline))+1 > uint64(c.MemSize) {
			return fmt.Errorf("boot.cmdline does not fit at 0x%x", b.CmdlineAddr)
		}
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Images = append([]Image(nil), c.Images...)
	if c.Boot != nil {
		boot := *c.Boot
		clone.Boot = &boot
	}
	return &clone
}
