package toolchain

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Job is one invocation of a toolchain.
//
// With StageBoth the single input is compiled next to Output (Output + ".obj") and then
// linked into Output. With StageCompile Output is the object. With StageLink the inputs
// are objects.
type Job struct {
	Inputs  []string
	Output  string
	Stages  Stage
	Defines []string // extra name=value defines for this job only
	Package string   // Go package path, "main" when empty
	Dir     string   // working directory
}

// Command is one process to run.
type Command struct {
	Stage Stage
	Name  string
	Args  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

func (j Job) object() string {
	if j.Stages&StageLink != 0 {
		return j.Output + ".obj"
	}
	return j.Output
}

// ImportConfig is where the Go toolchain keeps the import configuration of a job.
func (j Job) ImportConfig() string {
	return j.Output + ".importcfg"
}

// Commands produces the exact command lines of job.
func (c Config) Commands(j Job) ([]Command, error) {
	if len(j.Inputs) == 0 || j.Output == "" || j.Stages&StageBoth == 0 {
		return nil, ErrEmptyJob
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case MSVC:
		return c.msvc(j), nil
	case Go:
		return c.golang(j), nil
	default:
		return c.gnu(j), nil
	}
}

func fields(s string) []string {
	return strings.Fields(s)
}

func prefixed(flag string, values []string) (out []string) {
	for _, v := range values {
		out = append(out, flag+v)
	}
	return
}

func isPathLike(lib string) bool {
	if strings.ContainsAny(lib, `/\`) {
		return true
	}
	switch strings.ToLower(filepath.Ext(lib)) {
	case ".a", ".so", ".lib", ".dylib", ".dll", ".o", ".obj":
		return true
	}
	return false
}

func (c Config) exec(def string) string {
	if c.Exec != "" {
		return c.Exec
	}
	return def
}

func (c Config) optimization() []string {
	switch {
	case c.Flags&Opt2 != 0:
		return []string{"-O2"}
	case c.Flags&Opt1 != 0:
		return []string{"-O1"}
	}
	return nil
}

func (c Config) gnuArch() []string {
	switch c.Kind {
	case Clang:
		switch c.Arch {
		case X86:
			return []string{"-m32"}
		case X64:
			return []string{"-m64"}
		case ARM:
			return []string{"--target=arm-linux-gnueabihf"}
		case ARM64:
			return []string{"--target=aarch64-linux-gnu"}
		}
	case GCC:
		switch c.Arch {
		case X86:
			return []string{"-m32"}
		case X64:
			return []string{"-m64"}
		}
	}
	return nil
}

// gnu covers gcc and clang, which share flag syntax.
func (c Config) gnu(j Job) (cmds []Command) {
	def := "gcc"
	if c.Kind == Clang {
		def = "clang"
	}
	name := c.exec(def)
	obj := j.object()
	if j.Stages&StageCompile != 0 {
		args := fields(c.CompileArgsBegin)
		args = append(args, "-c")
		if runtime.GOOS != "windows" {
			args = append(args, "-fPIC")
		}
		if c.Flags&Debug != 0 {
			args = append(args, "-g")
		}
		args = append(args, c.optimization()...)
		args = append(args, c.gnuArch()...)
		args = append(args, prefixed("-D", c.Defines)...)
		args = append(args, prefixed("-D", j.Defines)...)
		args = append(args, prefixed("-I", c.IncludeDirs)...)
		args = append(args, "-o", obj)
		args = append(args, fields(c.CompileArgsEnd)...)
		args = append(args, j.Inputs[0])
		cmds = append(cmds, Command{Stage: StageCompile, Name: name, Args: args})
	}
	if j.Stages&StageLink != 0 {
		args := fields(c.LinkArgsBegin)
		args = append(args, "-shared")
		if c.Flags&Debug != 0 {
			args = append(args, "-g")
		}
		args = append(args, c.gnuArch()...)
		args = append(args, "-o", j.Output)
		args = append(args, fields(c.LinkArgsEnd)...)
		if j.Stages&StageCompile != 0 {
			args = append(args, obj)
		} else {
			args = append(args, j.Inputs...)
		}
		for _, l := range c.LinkLibraries {
			if isPathLike(l) {
				args = append(args, l)
			} else {
				args = append(args, "-l"+l)
			}
		}
		if runtime.GOOS != "windows" {
			args = append(args, "-lm")
		}
		cmds = append(cmds, Command{Stage: StageLink, Name: name, Args: args})
	}
	return
}

var (
	vcvarsArch  = [...]string{"x86", "x86_amd64", "x86_arm", "x86_arm64"}
	machineArch = [...]string{"X86", "X64", "ARM", "ARM64"}
)

func quote(s string) string {
	return `"` + s + `"`
}

// msvc runs cl and link behind vcvarsall inside one cmd.exe line, so neither needs to be
// on PATH.
func (c Config) msvc(j Job) (cmds []Command) {
	vcvars := fmt.Sprintf(`%s %s > nul`, quote(filepath.Join(c.MSVCPath, "vcvarsall.bat")), vcvarsArch[c.Arch])
	obj := j.object()
	line := func(tool string, parts ...[]string) string {
		b := []string{vcvars, "&&", tool}
		for _, p := range parts {
			b = append(b, p...)
		}
		return strings.Join(b, " ")
	}
	if j.Stages&StageCompile != 0 {
		flags := []string{"/c", "/EHsc", "/nologo"}
		if c.Flags&Debug != 0 {
			flags = append(flags, "/Zi", "/MTd")
		} else {
			flags = append(flags, "/MT")
		}
		switch {
		case c.Flags&Opt2 != 0:
			flags = append(flags, "/O2")
		case c.Flags&Opt1 != 0:
			flags = append(flags, "/O1")
		}
		defs := append(prefixed("/D", quoteAll(c.Defines)), prefixed("/D", quoteAll(j.Defines))...)
		incs := prefixed("/I", quoteAll(c.IncludeDirs))
		l := line(c.exec("cl.exe"), fields(c.CompileArgsBegin), flags, defs, incs,
			[]string{"/Fo" + quote(obj)}, fields(c.CompileArgsEnd), []string{quote(j.Inputs[0])})
		cmds = append(cmds, Command{Stage: StageCompile, Name: "cmd.exe", Args: []string{"/C", l}})
	}
	if j.Stages&StageLink != 0 {
		flags := []string{"/DLL", "/NOLOGO"}
		if c.Flags&Debug != 0 {
			flags = append(flags, "/DEBUG")
		}
		flags = append(flags, "/MACHINE:"+machineArch[c.Arch])
		in := j.Inputs
		if j.Stages&StageCompile != 0 {
			in = []string{obj}
		}
		l := line("link.exe", fields(c.LinkArgsBegin), flags, []string{"/OUT:" + quote(j.Output)},
			fields(c.LinkArgsEnd), quoteAll(in), quoteAll(c.LinkLibraries))
		cmds = append(cmds, Command{Stage: StageLink, Name: "cmd.exe", Args: []string{"/C", l}})
	}
	return
}

func quoteAll(v []string) []string {
	out := make([]string, len(v))
	for i, s := range v {
		out[i] = quote(s)
	}
	return out
}

// golang compiles with `go tool compile` straight into Output. The link stage is empty:
// objects are linked in process at load time.
func (c Config) golang(j Job) (cmds []Command) {
	if j.Stages&StageCompile == 0 {
		return
	}
	pkg := j.Package
	if pkg == "" {
		pkg = "main"
	}
	args := []string{"tool", "compile"}
	args = append(args, fields(c.CompileArgsBegin)...)
	args = append(args, "-importcfg", j.ImportConfig(), "-p", pkg)
	if c.Flags&Debug != 0 {
		args = append(args, "-N", "-l")
	}
	for _, d := range c.IncludeDirs {
		args = append(args, "-I", d)
	}
	args = append(args, "-o", j.Output)
	args = append(args, fields(c.CompileArgsEnd)...)
	args = append(args, j.Inputs[0])
	return []Command{{Stage: StageCompile, Name: c.exec("go"), Args: args}}
}
