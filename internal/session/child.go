package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
)

// defaultEnv lists variables always copied from the bridge environment so the
// child can locate its interpreter and home directory.
var defaultEnv = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER", "TMPDIR", "LANG"}

// child is a spawned MCP server process and its stdio pipes.
type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done    chan struct{}
	waitErr error

	stopOnce   sync.Once
	stdoutOnce sync.Once
}

// stdoutLinger keeps stdout open after the child is reaped so the transport
// reader reaches EOF before the pipe is closed under it.
var stdoutLinger = time.Second

func startChild(cfg Config, sessionID string) (*child, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = buildEnv(cfg.Env)
	cmd.Dir = cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout is an owned pipe so Wait cannot close it before the transport
	// has read the last response.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	_ = stdoutW.Close()

	c := &child{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	pid := cmd.Process.Pid
	logx.Log.Info().Str("session", sessionID).Int("pid", pid).Str("command", cfg.Command).Strs("args", cfg.Args).Msg("mcp server started")

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			logx.Log.Debug().Str("session", sessionID).Int("pid", pid).Msg(sc.Text())
		}
	}()
	go func() {
		// Wait closes the pipes, so stderr must be fully read first.
		drained.Wait()
		c.waitErr = cmd.Wait()
		ev := logx.Log.Info()
		if c.waitErr != nil {
			ev = logx.Log.Warn().Err(c.waitErr)
		}
		ev.Str("session", sessionID).Int("pid", pid).Msg("mcp server exited")
		close(c.done)
	}()
	return c, nil
}

func (c *child) pid() int { return c.cmd.Process.Pid }

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// exitErr returns the wait status once the process is gone.
func (c *child) exitErr() error {
	<-c.done
	if c.waitErr == nil {
		return io.EOF
	}
	return c.waitErr
}

// stop closes stdin, gives the process grace to exit and kills it otherwise.
// It blocks until the process has been reaped.
func (c *child) stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		_ = c.stdin.Close()
		if grace > 0 {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-c.done:
				return
			case <-t.C:
			}
		}
		if !c.exited() {
			logx.Log.Warn().Int("pid", c.pid()).Msg("mcp server did not exit; killing")
			_ = c.cmd.Process.Kill()
		}
		<-c.done
	})
	<-c.done
	c.stdoutOnce.Do(func() {
		time.AfterFunc(stdoutLinger, func() { _ = c.stdout.Close() })
	})
}

// ProcessStats is a resource snapshot of the child process.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
}

func (c *child) stats(ctx context.Context) (*ProcessStats, error) {
	if c.exited() {
		return nil, fmt.Errorf("process %d exited", c.pid())
	}
	p, err := process.NewProcessWithContext(ctx, int32(c.pid()))
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	st := &ProcessStats{RSSBytes: mem.RSS}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

// buildEnv assembles the child environment from an allowlist. Entries are
// either KEY, copied from the bridge environment when set, or KEY=value.
func buildEnv(extra []string) []string {
	env := make([]string, 0, len(defaultEnv)+len(extra))
	seen := map[string]int{}
	add := func(k, v string) {
		if i, ok := seen[k]; ok {
			env[i] = k + "=" + v
			return
		}
		seen[k] = len(env)
		env = append(env, k+"="+v)
	}
	for _, k := range defaultEnv {
		if v, ok := os.LookupEnv(k); ok {
			add(k, v)
		}
	}
	for _, e := range extra {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if k, v, ok := strings.Cut(e, "="); ok {
			add(k, v)
			continue
		}
		if v, ok := os.LookupEnv(e); ok {
			add(e, v)
		}
	}
	return env
}
