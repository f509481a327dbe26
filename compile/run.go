package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/live"
	"github.com/ZenLiuCN/live/notify"
	"github.com/ergochat/readline"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

type routine = func(float64) float64

// request is one `script function argument` line.
type request struct {
	script string
	fn     string
	arg    float64
}

func parseRequest(line string) (r request, err error) {
	f := strings.Fields(line)
	if len(f) != 3 {
		return r, fmt.Errorf("want `script function argument`, got %q", line)
	}
	r.script, r.fn = f[0], f[1]
	r.arg, err = strconv.ParseFloat(f[2], 64)
	return
}

// invoke registers a handle for r, waits for it and calls it once.
func invoke(ctx context.Context, e *live.Engine, r request, wait time.Duration) (float64, error) {
	h := live.NewHandle()
	if err := e.Add(r.script, r.fn, h); err != nil {
		return 0, err
	}
	defer e.Remove(r.script, r.fn, h)
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if _, err := h.Wait(wctx); err != nil {
		return 0, fmt.Errorf("%s %s unresolved: %w", r.script, r.fn, err)
	}
	var out float64
	err := live.Call(e, h, func(f routine) {
		out = f(r.arg)
	})
	return out, err
}

// start runs an engine with the console attached, cb receives its diagnostics as well.
func start(ctx *cli.Context, mode live.Mode, cb live.Callback, opts ...live.Option) (*live.Engine, error) {
	f, c, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.Mode = mode
	e, err := live.New(f.Root, c, append(opts, live.WithLogHandler(logHandler(ctx)))...)
	if err != nil {
		return nil, err
	}
	if cb != nil {
		e.Callback(live.SeverityAll, cb)
	}
	if err = e.Run(ctx.Context); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("quit"),
	readline.PcItem("exit"),
)

func watch(ctx *cli.Context) error {
	sig, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	e, err := start(ctx, live.Live, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.GreenString("> "),
		HistoryFile:     filepath.Join(e.Root(), e.Config().OutputDir, "history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(rl)
	for sig.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		r, err := parseRequest(line)
		if err != nil {
			warn.Println(err)
			continue
		}
		v, err := invoke(sig, e, r, 10*time.Second)
		if err != nil {
			failed.Println(err)
			continue
		}
		fmt.Printf("%s(%g) = %g\n", r.fn, r.arg, v)
	}
	return nil
}

func build(ctx *cli.Context) error {
	e, err := start(ctx, live.Batch, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	if ctx.Args().Len() == 0 {
		info.Println("build done")
		return nil
	}
	r, err := parseRequest(strings.Join(ctx.Args().Slice(), " "))
	if err != nil {
		return err
	}
	v, err := invoke(ctx.Context, e, r, time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("%s(%g) = %g\n", r.fn, r.arg, v)
	return nil
}

func levelOf(s live.Severity) notify.Level {
	switch s {
	case live.SeverityError:
		return notify.Error
	case live.SeverityWarn:
		return notify.Warning
	default:
		return notify.Info
	}
}

func serve(ctx *cli.Context) error {
	f, _, err := load(ctx)
	if err != nil {
		return err
	}
	sig, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	srv, err := notify.Listen(f.Notify.Update, f.Notify.Stream, nil)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(sig); err != nil {
			failed.Fprintf(os.Stderr, "notify: %v\n", err)
		}
	}()
	info.Printf("notifications on %s, logs on %s\n", srv.UpdateAddr(), srv.StreamAddr())

	opts := []live.Option{live.WithPublishHook(func(ev live.Event) {
		n := notify.Notification{Name: ev.Script}
		switch {
		case ev.First:
			n.Option = notify.ForceInit
		case ev.Last:
			n.Option = notify.LastInQueue
		}
		if err := srv.Notify(n); err != nil {
			warn.Fprintln(os.Stderr, err)
		}
	})}
	if f.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		opts = append(opts, live.WithRegisterer(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: f.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				failed.Fprintf(os.Stderr, "metrics: %v\n", err)
			}
		}()
		defer hs.Close()
		info.Printf("metrics on http://%s/metrics\n", f.Metrics)
	}
	e, err := start(ctx, live.Live, func(s live.Severity, msg string) {
		_ = srv.Log(levelOf(s), msg)
	}, opts...)
	if err != nil {
		return err
	}
	defer e.Close()
	for _, r := range append(ctx.StringSlice("routine"), ctx.Args().Slice()...) {
		script, fn, ok := strings.Cut(r, ":")
		if !ok {
			return fmt.Errorf("want script:function, got %q", r)
		}
		if err = e.Add(script, fn, live.NewHandle()); err != nil {
			return err
		}
	}
	<-sig.Done()
	return nil
}

func attach(ctx *cli.Context) error {
	f, _, err := load(ctx)
	if err != nil {
		return err
	}
	sig, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	c, err := notify.Dial(sig, f.Notify.Update, f.Notify.Stream)
	if err != nil {
		return err
	}
	context.AfterFunc(sig, func() {
		_ = c.Close()
	})
	go func() {
		for {
			m, err := c.NextMessage()
			if err != nil {
				return
			}
			switch m.Level {
			case notify.Error:
				failed.Printf("[E] %s\n", m.Text)
			case notify.Warning:
				warn.Printf("[W] %s\n", m.Text)
			default:
				info.Printf("[I] %s\n", m.Text)
			}
		}
	}()
	for {
		n, err := c.Next()
		if err != nil {
			if sig.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("update %s (%s)\n", n.Name, n.Option)
	}
}
