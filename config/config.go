// Package config loads engine settings for the binaries from a file, LIVE_ environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZenLiuCN/live"
	"github.com/ZenLiuCN/live/toolchain"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "LIVE"
	// DefaultUpdateAddr is where the notification server listens by default; log
	// frames use the next port.
	DefaultUpdateAddr = "127.0.0.1:7710"
	DefaultStreamAddr = "127.0.0.1:7711"
)

// ErrInvalid occurs when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// File is the configuration file layout.
type File struct {
	Root       string        `mapstructure:"root" yaml:"root"`
	Mode       string        `mapstructure:"mode" yaml:"mode"`
	Extensions []string      `mapstructure:"extensions" yaml:"extensions,omitempty"`
	OutputDir  string        `mapstructure:"output_dir" yaml:"output_dir"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	NameLength int           `mapstructure:"name_length" yaml:"name_length"`
	EvictAfter time.Duration `mapstructure:"evict_after" yaml:"evict_after"`
	MaxScripts int           `mapstructure:"max_scripts" yaml:"max_scripts"`
	Toolchain  Toolchain     `mapstructure:"toolchain" yaml:"toolchain"`
	Notify     Notify        `mapstructure:"notify" yaml:"notify"`
	Metrics    string        `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// Toolchain section, empty kind and arch are detected from the host.
type Toolchain struct {
	Kind         string   `mapstructure:"kind" yaml:"kind,omitempty"`
	Arch         string   `mapstructure:"arch" yaml:"arch,omitempty"`
	Debug        bool     `mapstructure:"debug" yaml:"debug"`
	Optimize     int      `mapstructure:"optimize" yaml:"optimize"`
	Exec         string   `mapstructure:"exec" yaml:"exec,omitempty"`
	MSVCPath     string   `mapstructure:"msvc_path" yaml:"msvc_path,omitempty"`
	Include      []string `mapstructure:"include" yaml:"include,omitempty"`
	Libraries    []string `mapstructure:"libraries" yaml:"libraries,omitempty"`
	Defines      []string `mapstructure:"defines" yaml:"defines,omitempty"`
	CompileBegin string   `mapstructure:"compile_begin" yaml:"compile_begin,omitempty"`
	CompileEnd   string   `mapstructure:"compile_end" yaml:"compile_end,omitempty"`
	LinkBegin    string   `mapstructure:"link_begin" yaml:"link_begin,omitempty"`
	LinkEnd      string   `mapstructure:"link_end" yaml:"link_end,omitempty"`
}

// Notify section of the serve command.
type Notify struct {
	Update string `mapstructure:"update" yaml:"update"`
	Stream string `mapstructure:"stream" yaml:"stream"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("mode", live.Live.String())
	v.SetDefault("extensions", []string{})
	v.SetDefault("output_dir", live.DefaultOutputDir)
	v.SetDefault("interval", live.DefaultInterval)
	v.SetDefault("name_length", live.DefaultNameLength)
	v.SetDefault("evict_after", time.Duration(0))
	v.SetDefault("max_scripts", live.DefaultMaxScripts)
	v.SetDefault("metrics", "")

	v.SetDefault("toolchain.kind", "")
	v.SetDefault("toolchain.arch", "")
	v.SetDefault("toolchain.debug", true)
	v.SetDefault("toolchain.optimize", 0)
	v.SetDefault("toolchain.exec", "")
	v.SetDefault("toolchain.msvc_path", "")
	v.SetDefault("toolchain.include", []string{})
	v.SetDefault("toolchain.libraries", []string{})
	v.SetDefault("toolchain.defines", []string{})
	v.SetDefault("toolchain.compile_begin", "")
	v.SetDefault("toolchain.compile_end", "")
	v.SetDefault("toolchain.link_begin", "")
	v.SetDefault("toolchain.link_end", "")

	v.SetDefault("notify.update", DefaultUpdateAddr)
	v.SetDefault("notify.stream", DefaultStreamAddr)
}

// Load reads path, or live.yaml in the working directory when path is empty. A missing
// default file is not an error. LIVE_ prefixed variables override file values, nested
// keys joined by underscores: LIVE_TOOLCHAIN_KIND.
func Load(path string) (*File, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("live")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if _, err := f.Engine(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Engine converts f into an engine configuration.
func (f *File) Engine() (*live.Config, error) {
	mode, err := live.ParseMode(f.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if f.Toolchain.Optimize < 0 || f.Toolchain.Optimize > 2 {
		return nil, fmt.Errorf("%w: optimize %d not in 0..2", ErrInvalid, f.Toolchain.Optimize)
	}
	tc, err := f.Toolchain.config()
	if err != nil {
		return nil, err
	}
	return &live.Config{
		Mode:       mode,
		Toolchain:  tc,
		Extensions: f.Extensions,
		OutputDir:  f.OutputDir,
		Interval:   f.Interval,
		NameLength: f.NameLength,
		EvictAfter: f.EvictAfter,
		MaxScripts: f.MaxScripts,
	}, nil
}

func (t Toolchain) config() (*toolchain.Config, error) {
	c := toolchain.Detect()
	if t.Kind != "" {
		k, err := toolchain.ParseKind(t.Kind)
		if err != nil {
			return nil, err
		}
		c.Kind = k
		c.Exec = ""
	}
	if t.Arch != "" {
		a, err := toolchain.ParseArch(t.Arch)
		if err != nil {
			return nil, err
		}
		c.Arch = a
	}
	c.Flags = 0
	if t.Debug {
		c.Flags |= toolchain.Debug
	}
	switch t.Optimize {
	case 1:
		c.Flags |= toolchain.Opt1
	case 2:
		c.Flags |= toolchain.Opt2
	}
	if t.Exec != "" {
		c.Exec = t.Exec
	}
	c.MSVCPath = t.MSVCPath
	c.IncludeDirs = t.Include
	c.LinkLibraries = t.Libraries
	c.Defines = t.Defines
	c.CompileArgsBegin, c.CompileArgsEnd = t.CompileBegin, t.CompileEnd
	c.LinkArgsBegin, c.LinkArgsEnd = t.LinkBegin, t.LinkEnd
	return &c, c.Validate()
}

// Dump writes f as YAML.
func Dump(w io.Writer, f *File) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}
