package tsserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/tliron/commonlog"
)

// process is a running tsserver executable.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

// startProcess launches the configured command with stdio pipes.
func startProcess(cfg Config, log commonlog.Logger) (*process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)

	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}

	go p.drainStderr(log)
	go p.monitor()
	return p, nil
}

// monitor reaps the process and signals its exit.
func (p *process) monitor() {
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *process) drainStderr(log commonlog.Logger) {
	sc := bufio.NewScanner(p.stderr)
	for sc.Scan() {
		log.Debugf("tsserver stderr: %s", sc.Text())
	}
}

// stop closes the pipes and kills the process if it has not exited.
func (p *process) stop() {
	p.stopOnce.Do(func() {
		p.stdin.Close()
		select {
		case <-p.exited:
			return
		default:
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// wait blocks until the process exited or ctx is done.
func (p *process) wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
