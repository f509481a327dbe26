// Package toolchain builds and runs the compile and link command lines of the supported
// native toolchains, and of the Go compiler for Go scripts.
package toolchain

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	// ErrUnknownToolchain occurs when the configured toolchain is not supported.
	ErrUnknownToolchain = errors.New("unknown toolchain")
	// ErrUnknownArch occurs when the configured target architecture is not supported.
	ErrUnknownArch = errors.New("unknown architecture")
	// ErrCompile occurs when the compile stage fails.
	ErrCompile = errors.New("compile failed")
	// ErrLink occurs when the link stage fails.
	ErrLink = errors.New("link failed")
	// ErrEmptyJob occurs when a job has no inputs, output or stages.
	ErrEmptyJob = errors.New("empty job")
)

const (
	// Separator replaces path separators inside script ids and joins ids with function
	// names in mangled symbols. It is a valid identifier character for every supported
	// native compiler.
	Separator = '$'
	// ScriptDefine is the preprocessor define carrying the script id in batch builds.
	ScriptDefine = "LIVE_SCRIPT_ID"
)

// Kind selects a toolchain.
type Kind int

const (
	MSVC Kind = iota
	Clang
	GCC
	Go
)

var kindNames = [...]string{"msvc", "clang", "gcc", "go"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind accepts the names printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, s) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownToolchain)
}

// Arch is the target architecture.
type Arch int

const (
	X86 Arch = iota
	X64
	ARM
	ARM64
)

var archNames = [...]string{"x86", "x64", "arm", "arm64"}

func (a Arch) String() string {
	if a < 0 || int(a) >= len(archNames) {
		return fmt.Sprintf("Arch(%d)", int(a))
	}
	return archNames[a]
}

// ParseArch accepts the names printed by Arch.String.
func ParseArch(s string) (Arch, error) {
	for i, n := range archNames {
		if strings.EqualFold(n, s) {
			return Arch(i), nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownArch)
}

// HostArch is the architecture of the running process.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "386":
		return X86
	case "arm":
		return ARM
	case "arm64":
		return ARM64
	default:
		return X64
	}
}

// Flag is a code generation option.
type Flag int

const (
	Debug Flag = 1 << iota
	Opt1
	Opt2
)

// Stage selects which steps of a build run.
type Stage int

const (
	StageCompile Stage = 1 << iota
	StageLink
	StageBoth = StageCompile | StageLink
)

// Config of a toolchain.
type Config struct {
	Kind             Kind
	Arch             Arch
	Flags            Flag
	Exec             string   // compiler executable, defaults to the toolchain's usual name
	MSVCPath         string   // directory holding vcvarsall.bat, located with vswhere when empty
	IncludeDirs      []string // compiler include directories
	LinkLibraries    []string // libraries to link, paths are passed as is, bare names as -l
	Defines          []string // name=value
	CompileArgsBegin string   // added before any other compiler flag
	CompileArgsEnd   string   // added before the input file
	LinkArgsBegin    string   // added before any other linker flag
	LinkArgsEnd      string   // added before the input files
}

// Validate rejects unsupported toolchains and architectures.
func (c Config) Validate() error {
	if c.Kind < MSVC || c.Kind > Go {
		return fmt.Errorf("%v: %w", c.Kind, ErrUnknownToolchain)
	}
	if c.Arch < X86 || c.Arch > ARM64 {
		return fmt.Errorf("%v: %w", c.Arch, ErrUnknownArch)
	}
	return nil
}

// Extensions are the script suffixes the toolchain compiles by default. The empty suffix
// matches files without extension.
func (c Config) Extensions() []string {
	if c.Kind == Go {
		return []string{".go"}
	}
	return []string{".c", ""}
}

// Detect a native toolchain for the host: $CC first, then clang and gcc on PATH, then
// MSVC on Windows.
func Detect() Config {
	c := Config{Arch: HostArch(), Flags: Debug}
	if cc := os.Getenv("CC"); cc != "" {
		base := strings.ToLower(filepath.Base(cc))
		switch {
		case strings.Contains(base, "clang"):
			c.Kind = Clang
		case strings.HasPrefix(base, "cl"):
			c.Kind = MSVC
		default:
			c.Kind = GCC
		}
		c.Exec = cc
		return c
	}
	switch {
	case lookPath("clang"):
		c.Kind = Clang
	case lookPath("gcc"):
		c.Kind = GCC
	case runtime.GOOS == "windows":
		c.Kind = MSVC
	default:
		c.Kind = GCC
	}
	return c
}

func lookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
