package transcode

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	sigtermTimeout = 2 * time.Second
	sigkillTimeout = 1 * time.Second
)

// BuildStages expands a rule command into argv slices, one per pipeline
// stage. Substitutions: $FILE$ is the absolute source path; $START$ becomes
// "-j <seconds>" (3 decimals) when startSec >= 0, otherwise it is removed;
// $END$ becomes "-e <seconds>" the same way. [name] placeholders resolve
// against toolsDir first, then the OS PATH.
func BuildStages(rule Rule, path string, startSec, endSec float64, toolsDir string) ([][]string, error) {
	if rule.Command == "" || rule.Command == "-" {
		return nil, fmt.Errorf("transcode: rule %s->%s is passthrough", rule.Src, rule.Dst)
	}

	var stages [][]string
	for _, stage := range strings.Split(rule.Command, "|") {
		var argv []string
		for _, tok := range strings.Fields(stage) {
			switch tok {
			case "$FILE$":
				abs, err := filepath.Abs(path)
				if err != nil {
					abs = path
				}
				argv = append(argv, abs)
			case "$START$":
				if startSec >= 0 {
					argv = append(argv, "-j", fmt.Sprintf("%.3f", startSec))
				}
			case "$END$":
				if endSec >= 0 {
					argv = append(argv, "-e", fmt.Sprintf("%.3f", endSec))
				}
			default:
				if name, ok := cutBrackets(tok); ok {
					bin, err := resolveBinary(name, toolsDir)
					if err != nil {
						return nil, err
					}
					argv = append(argv, bin)
				} else {
					argv = append(argv, tok)
				}
			}
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("transcode: empty stage in command %q", rule.Command)
		}
		stages = append(stages, argv)
	}
	return stages, nil
}

func cutBrackets(tok string) (string, bool) {
	if len(tok) > 2 && strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]") {
		return tok[1 : len(tok)-1], true
	}
	return "", false
}

// resolveBinary looks for a tool in toolsDir first, then on the PATH.
func resolveBinary(name, toolsDir string) (string, error) {
	if toolsDir != "" {
		local := filepath.Join(toolsDir, name)
		if p, err := exec.LookPath(local); err == nil {
			return p, nil
		}
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("transcode: binary %q not found: %w", name, err)
	}
	return p, nil
}

// Pipeline is a running chain of transcoder processes. Data between stages
// is moved by explicit copy goroutines rather than shared OS pipes, so every
// stage stays visible for teardown.
type Pipeline struct {
	cmds   []*exec.Cmd
	stdins []io.WriteCloser // per-process stdin, nil for the first stage
	output io.ReadCloser
	copies sync.WaitGroup

	closeOnce sync.Once
}

// Start launches every stage and wires the inter-stage copies. The first
// stage reads its input file itself; Output exposes the last stage's stdout.
func Start(stages [][]string) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("transcode: no stages")
	}

	p := &Pipeline{}
	var prevOut io.ReadCloser

	for i, argv := range stages {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		var stdin io.WriteCloser
		if i > 0 {
			var err error
			stdin, err = cmd.StdinPipe()
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("transcode: stdin pipe: %w", err)
			}
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("transcode: stdout pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			p.Close()
			return nil, fmt.Errorf("transcode: start %s: %w", argv[0], err)
		}
		slog.Debug("transcode: stage started", "bin", argv[0], "pid", cmd.Process.Pid)

		p.cmds = append(p.cmds, cmd)
		p.stdins = append(p.stdins, stdin)

		if i > 0 {
			src, dst := prevOut, stdin
			p.copies.Add(1)
			go func() {
				defer p.copies.Done()
				_, _ = io.Copy(dst, src)
				_ = dst.Close()
			}()
		}
		prevOut = stdout
	}

	p.output = prevOut
	return p, nil
}

// Output is the stdout of the final stage.
func (p *Pipeline) Output() io.Reader {
	return p.output
}

// Close tears the pipeline down: the output is closed, each process has its
// stdin closed, then receives SIGTERM with a 2 s deadline, then SIGKILL with
// a 1 s deadline. Closing stdin before signalling is part of "terminate" —
// it lets well-behaved encoders flush and exit on their own.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.output != nil {
			_ = p.output.Close()
		}
		for i, cmd := range p.cmds {
			if p.stdins[i] != nil {
				_ = p.stdins[i].Close()
			}
			terminate(cmd)
		}
		p.copies.Wait()
	})
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(sigtermTimeout):
	}

	slog.Warn("transcode: SIGTERM timed out, sending SIGKILL", "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-exited:
	case <-time.After(sigkillTimeout):
		slog.Error("transcode: process did not die after SIGKILL", "pid", pid)
	}
}
