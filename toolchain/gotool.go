package toolchain

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// importConfig generates the importcfg `go tool compile` needs for the job input: every
// standard package plus the direct imports of the source, with their export data.
func (t *Toolchain) importConfig(ctx context.Context, j Job) error {
	goBin := t.cfg.exec("go")
	r, err := t.run(ctx, j.Dir, goBin, "list", "-export", "-f", "{{.Imports}}", j.Inputs[0])
	if err != nil {
		return err
	}
	if r.Code != 0 {
		return fmt.Errorf("inspect imports: %s", r.Output())
	}
	args := []string{"list", "-export", "-f", "{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}
	args = append(args, parseImports(r.Stdout)...)
	r, err = t.run(ctx, j.Dir, goBin, args...)
	if err != nil {
		return err
	}
	if r.Code != 0 {
		return fmt.Errorf("inspect dependencies: %s", r.Output())
	}
	return os.WriteFile(j.ImportConfig(), []byte(r.Stdout), 0o644)
}

// parseImports reads the `[a b c]` form printed by go list.
func parseImports(out string) []string {
	out = strings.TrimSpace(out)
	if out != "" && out[0] == '[' {
		out = out[1 : len(out)-1]
	}
	return strings.Fields(out)
}
