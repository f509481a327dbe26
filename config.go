package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/ZenLiuCN/live/toolchain"
)

// Mode selects how scripts are built.
type Mode int

const (
	// Live watches the root and rebuilds scripts in the background.
	Live Mode = iota
	// Batch builds every script once into a single module.
	Batch
)

func (m Mode) String() string {
	if m == Batch {
		return "batch"
	}
	return "live"
}

// ParseMode accepts "live" and "batch".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "live":
		return Live, nil
	case "batch":
		return Batch, nil
	}
	return Live, fmt.Errorf("unknown mode %q", s)
}

// Config of an Engine.
type Config struct {
	Mode       Mode
	Toolchain  *toolchain.Config // detected from the host when nil
	Extensions []string         // recognized suffixes in priority order, "" matches files without one
	OutputDir  string           // module directory below the root, cleared on start
	Interval   time.Duration    // pause between two scans
	NameLength int              // length of random module names
	EvictAfter time.Duration    // forget scripts unseen for this long, zero keeps them
	MaxScripts int              // expected number of scripts
}

const (
	DefaultOutputDir  = ".bin"
	DefaultInterval   = 16 * time.Millisecond
	DefaultNameLength = 10
	DefaultMaxScripts = 128
)

// DefaultConfig is a live configuration for the detected host toolchain.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:  DefaultOutputDir,
		Interval:   DefaultInterval,
		NameLength: DefaultNameLength,
		MaxScripts: DefaultMaxScripts,
	}
}

// normalize fills defaults into a copy of c.
func (c *Config) normalize() Config {
	n := *DefaultConfig()
	if c != nil {
		n = *c
	}
	if n.Toolchain == nil {
		t := toolchain.Detect()
		n.Toolchain = &t
	} else {
		t := *n.Toolchain
		n.Toolchain = &t
	}
	if len(n.Extensions) == 0 {
		n.Extensions = n.Toolchain.Extensions()
	}
	if n.OutputDir == "" {
		n.OutputDir = DefaultOutputDir
	}
	if n.Interval <= 0 {
		n.Interval = DefaultInterval
	}
	if n.NameLength <= 0 {
		n.NameLength = DefaultNameLength
	}
	if n.MaxScripts <= 0 {
		n.MaxScripts = DefaultMaxScripts
	}
	return n
}
