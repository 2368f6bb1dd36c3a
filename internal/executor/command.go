package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"recurd/internal/schedule"
)

const (
	defaultMaxOutput = 4 << 10
	waitDelay        = 2 * time.Second
)

// Command runs Params["command"] through a shell.
//
// Optional params:
//   - "dir": working directory
//   - "env.<NAME>": extra environment variables
//
// Combined output is captured up to MaxOutput bytes (the tail is kept) and
// returned as a string.
type Command struct {
	Shell     string // default "/bin/sh"
	MaxOutput int    // default 4 KiB
	Env       []string
}

func (c Command) Run(ctx context.Context, job schedule.JobSpec) (any, error) {
	script, err := param(job, "command")
	if err != nil {
		return nil, err
	}
	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	max := c.MaxOutput
	if max <= 0 {
		max = defaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = strings.TrimSpace(job.Params["dir"])
	cmd.Env = append(append(os.Environ(), c.Env...), jobEnv(job)...)
	out := &tailBuffer{max: max}
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren may keep the output pipe open after the shell is killed.
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	text := out.String()
	if err != nil {
		if ctx.Err() != nil {
			return text, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		if last := lastLine(text); last != "" {
			return text, fmt.Errorf("command failed: %w: %s", err, last)
		}
		return text, fmt.Errorf("command failed: %w", err)
	}
	return text, nil
}

func jobEnv(job schedule.JobSpec) []string {
	var env []string
	for k, v := range job.Params {
		if name, ok := strings.CutPrefix(k, "env."); ok && name != "" {
			env = append(env, name+"="+v)
		}
	}
	sort.Strings(env)
	return env
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
		b.truncated = true
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "…" + string(b.buf)
	}
	return string(b.buf)
}
