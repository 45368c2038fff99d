// Package command wraps external process invocation (ffmpeg, ffprobe, detector
// workers). Commands are always built from argument slices, never from
// formatted shell strings, and every failure carries the exit status and the
// tail of stderr.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const stderrTail = 4096

// Result describes a finished one-shot invocation
type Result struct {
	Name     string
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Error is returned when a process cannot start or exits unsuccessfully
type Error struct {
	Name     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Runner runs external programs
type Runner interface {
	// Run executes the program to completion and captures its output
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// Start launches the program with piped stdin and stdout
	Start(ctx context.Context, name string, args ...string) (*Process, error)
}

// Exec is the os/exec backed Runner
type Exec struct {
	// Logger receives stderr lines of streaming processes at debug level. May be nil.
	Logger *slog.Logger
}

// Run implements Runner
func (e Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Name:     name,
		Args:     args,
		ExitCode: exitCode(cmd, err),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err != nil {
		return res, &Error{Name: name, ExitCode: res.ExitCode, Stderr: tail(stderr.String()), Err: err}
	}
	return res, nil
}

// Start implements Runner
func (e Exec) Start(ctx context.Context, name string, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Error{Name: name, ExitCode: -1, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Name: name, ExitCode: -1, Err: err}
	}
	sink := &stderrSink{logger: e.Logger, name: name}
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		return nil, &Error{Name: name, ExitCode: -1, Err: err}
	}
	return &Process{name: name, cmd: cmd, Stdin: stdin, Stdout: stdout, stderr: sink}, nil
}

// Process is a running streaming program
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	name   string
	cmd    *exec.Cmd
	stderr *stderrSink

	once    sync.Once
	waitErr error
}

// Wait closes stdin, waits for the program to exit and reports its status.
// Safe to call more than once.
func (p *Process) Wait() error {
	p.once.Do(func() {
		_ = p.Stdin.Close()
		err := p.cmd.Wait()
		if err != nil {
			p.waitErr = &Error{
				Name:     p.name,
				ExitCode: exitCode(p.cmd, err),
				Stderr:   p.stderr.String(),
				Err:      err,
			}
		}
	})
	return p.waitErr
}

// Kill terminates the program and reaps it
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.Wait()
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// stderrSink keeps the tail of a process's stderr and forwards complete lines
// to the logger.
type stderrSink struct {
	logger *slog.Logger
	name   string

	mu      sync.Mutex
	buf     []byte
	partial []byte
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, p...)
	if len(s.buf) > stderrTail {
		s.buf = s.buf[len(s.buf)-stderrTail:]
	}
	if s.logger != nil {
		s.partial = append(s.partial, p...)
		for {
			i := bytes.IndexByte(s.partial, '\n')
			if i < 0 {
				break
			}
			if line := strings.TrimSpace(string(s.partial[:i])); line != "" {
				s.logger.Debug("process stderr", "process", s.name, "line", line)
			}
			s.partial = s.partial[i+1:]
		}
	}
	return len(p), nil
}

func (s *stderrSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

func tail(s string) string {
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
