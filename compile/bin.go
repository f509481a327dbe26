package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/live"
	"github.com/ZenLiuCN/live/config"
	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/toolchain"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "compile"
	app.Usage = "live reload toolkit"
	app.Description = "watches C or Go script directories, rebuilds and reloads them, and inspects Go objfiles"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file, live.yaml by default"},
		&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Usage: "script root, overrides the configuration"},
	}
	app.Commands = []*cli.Command{
		{Name: "watch", Action: watch, Usage: "reload scripts interactively: type `script function argument`"},
		{Name: "build", Action: build, Usage: "build every script into one module, optionally call `script function argument`", Args: true},
		{Name: "serve",
			Action: serve,
			Usage:  "watch scripts and publish updates to an attached client",
			Args:   true,
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "routine", Aliases: []string{"R"}, Usage: "script:function to keep built"},
			},
		},
		{Name: "attach", Action: attach, Usage: "print notifications and logs of a running serve"},
		{Name: "inspect",
			Action: inspect,
			Usage:  "display symbols of objfile",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{Name: "imports",
			Action: imports,
			Usage:  "display imports of objfile",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{Name: "prepare", Action: prepare, Usage: "copy internals of go sdk"},
		{Name: "clean", Action: clean, Usage: "remove copied internals of go sdk"},
		{Name: "config", Action: dump, Usage: "print the effective configuration"},
	}
	if err := app.Run(os.Args); err != nil {
		failed.Fprintf(os.Stderr, "failure %s\n", err)
		os.Exit(1)
	}
}

// load reads the configuration and applies the global flags.
func load(ctx *cli.Context) (*config.File, *live.Config, error) {
	f, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if r := ctx.String("root"); r != "" {
		f.Root = r
	}
	c, err := f.Engine()
	if err != nil {
		return nil, nil, err
	}
	if ctx.Bool("debug") {
		log.Printf("configuration:\n%s", spew.Sdump(c))
	}
	return f, c, nil
}

func logHandler(ctx *cli.Context) slog.Handler {
	return newConsole(os.Stderr, ctx.Bool("debug"))
}

func dump(ctx *cli.Context) error {
	f, _, err := load(ctx)
	if err != nil {
		return err
	}
	return config.Dump(os.Stdout, f)
}

func inspect(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		syms, err := platform.Inspect(s, ctx.String("pkg"))
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n", s)
		for _, sym := range syms {
			fmt.Printf("\t%s\n", sym)
		}
	}
	return nil
}

func imports(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		v, err := platform.ObjectImports(s, ctx.String("pkg"))
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s):\n%s", v.File, v.PkgPath, v.String())
	}
	return nil
}

// errNoGoRoot occurs when the go tool does not report its installation directory.
var errNoGoRoot = errors.New("GOROOT unknown")

// sdkDirs asks the go tool for its installation directory, so an unset $GOROOT never
// resolves against the working directory.
func sdkDirs(ctx context.Context, run toolchain.Runner) (src, dir string, err error) {
	r, err := run(ctx, "", "go", "env", "GOROOT")
	if err != nil {
		return "", "", fmt.Errorf("go env GOROOT: %w", err)
	}
	root := strings.TrimSpace(r.Stdout)
	if r.Code != 0 || root == "" || !filepath.IsAbs(root) {
		return "", "", fmt.Errorf("%w: %s", errNoGoRoot, r.Output())
	}
	return filepath.Join(root, "src", "cmd", "internal"), filepath.Join(root, "src", "cmd", "objfile"), nil
}

func clean(ctx *cli.Context) (err error) {
	d := ctx.Bool("debug")
	_, dir, err := sdkDirs(ctx.Context, platform.Run)
	if err != nil {
		return err
	}
	if d {
		log.Printf("clean go sdk: %s", dir)
	}
	if platform.Exists(dir) {
		err = os.RemoveAll(dir)
		if d {
			log.Printf("removed %s", dir)
		}
	} else if d {
		log.Printf("did nothing for %s", dir)
	}
	return
}

func prepare(ctx *cli.Context) (err error) {
	d := ctx.Bool("debug")
	src, dir, err := sdkDirs(ctx.Context, platform.Run)
	if err != nil {
		return err
	}
	if d {
		log.Printf("prepare go sdk from %s to %s", src, dir)
	}
	if !platform.Exists(dir) {
		err = platform.CopyDir(src, dir, nil)
		if d {
			log.Printf("copied %s from %s", dir, src)
		}
	} else if d {
		log.Printf("did nothing for %s", dir)
	}
	return
}
