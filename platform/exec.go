package platform

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Result of a finished process.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// Output joins both captured streams, trimmed.
func (r Result) Output() string {
	o, e := strings.TrimSpace(r.Stdout), strings.TrimSpace(r.Stderr)
	switch {
	case o == "":
		return e
	case e == "":
		return o
	default:
		return o + "\n" + e
	}
}

// Run executes name with args to completion inside dir (empty for the current directory).
// A process that starts and exits non zero is not an error: its code is in the Result.
// The error is set only when the process could not be started or was killed by ctx.
func Run(ctx context.Context, dir, name string, args ...string) (r Result, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	r.Stdout = sanitize(stdout.Bytes())
	r.Stderr = sanitize(stderr.Bytes())
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		r.Code = ee.ExitCode()
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		return r, nil
	}
	if err != nil {
		r.Code = -1
	}
	return
}

// some compilers emit nul bytes inside diagnostics
func sanitize(b []byte) string {
	return string(bytes.ReplaceAll(b, []byte{0}, []byte{' '}))
}
