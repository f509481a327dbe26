package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ZenLiuCN/live/platform"
)

// Runner executes one process, see [platform.Run].
type Runner func(ctx context.Context, dir, name string, args ...string) (platform.Result, error)

// Toolchain runs builds for one Config.
type Toolchain struct {
	cfg Config
	log *slog.Logger
	run Runner
}

// New validates cfg and prepares a Toolchain. A nil runner uses [platform.Run].
func New(ctx context.Context, cfg Config, log *slog.Logger, run Runner) (*Toolchain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if run == nil {
		run = platform.Run
	}
	t := &Toolchain{cfg: cfg, log: log, run: run}
	if cfg.Kind == MSVC && cfg.MSVCPath == "" && runtime.GOOS == "windows" {
		p, err := t.locateMSVC(ctx)
		if err != nil {
			return nil, err
		}
		t.cfg.MSVCPath = p
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *Toolchain) Config() Config {
	return t.cfg
}

const vswhere = `C:/Program Files (x86)/Microsoft Visual Studio/Installer/vswhere.exe`

func (t *Toolchain) locateMSVC(ctx context.Context) (string, error) {
	r, err := t.run(ctx, "", vswhere, "-latest", "-property", "installationPath")
	if err != nil || r.Code != 0 {
		return "", fmt.Errorf("locate visual studio: %w", ErrUnknownToolchain)
	}
	return filepath.Join(strings.TrimSpace(r.Stdout), "VC", "Auxiliary", "Build"), nil
}

func stageError(s Stage) error {
	if s == StageLink {
		return ErrLink
	}
	return ErrCompile
}

// Build runs every command of j. Diagnostics are logged at warning level when the stage
// succeeded and at error level otherwise. Failures wrap ErrCompile or ErrLink.
func (t *Toolchain) Build(ctx context.Context, j Job) error {
	cmds, err := t.cfg.Commands(j)
	if err != nil {
		return err
	}
	input := strings.Join(j.Inputs, " ")
	for _, c := range cmds {
		if c.Stage == StageCompile {
			t.log.Info(fmt.Sprintf("Compiling %s ...", input))
		} else {
			t.log.Info(fmt.Sprintf("Linking %s ...", input))
		}
		if t.cfg.Kind == Go {
			if err = t.importConfig(ctx, j); err != nil {
				return fmt.Errorf("%s: %w: %w", input, ErrCompile, err)
			}
		}
		t.log.Debug("execute", "command", c.String())
		r, err := t.run(ctx, j.Dir, c.Name, c.Args...)
		ok := err == nil && r.Code == 0
		if out := r.Output(); out != "" {
			if ok {
				t.log.Warn(out)
			} else {
				t.log.Error(out)
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w: %w", input, stageError(c.Stage), err)
		}
		if !ok {
			return fmt.Errorf("%s: %w (exit %d)", input, stageError(c.Stage), r.Code)
		}
	}
	return nil
}

// Artifacts are the objects to load after a successful link into output: the shared
// library for native toolchains, the compiled objects themselves for Go.
func (t *Toolchain) Artifacts(objs []platform.Object, output string) []platform.Object {
	if t.cfg.Kind == Go {
		return objs
	}
	return []platform.Object{{Path: output}}
}

// ModuleExt is the extension, without dot, of modules built for a single script.
func (t *Toolchain) ModuleExt() string {
	if t.cfg.Kind == Go {
		return "o"
	}
	return platform.LibExt()
}

// Package is the Go package path of a script id.
func Package(id string) string {
	return strings.ReplaceAll(id, string(Separator), "/")
}

// Symbol is the exported name of function fn of script id. Batch builds of native
// scripts prefix the id to keep scripts from clashing inside the single module.
func (t *Toolchain) Symbol(id, fn string, batch bool) string {
	switch {
	case t.cfg.Kind == Go:
		return Package(id) + "." + fn
	case batch:
		return id + string(Separator) + fn
	default:
		return fn
	}
}

// Job prepares a job for script id. Native objects compiled alone, to be linked later with
// other scripts, carry the id in ScriptDefine.
func (t *Toolchain) Job(id string, inputs []string, output string, stages Stage) Job {
	j := Job{Inputs: inputs, Output: output, Stages: stages}
	if id != "" {
		j.Package = Package(id)
		if t.cfg.Kind != Go && stages == StageCompile {
			j.Defines = []string{ScriptDefine + "=" + id}
		}
	}
	return j
}
