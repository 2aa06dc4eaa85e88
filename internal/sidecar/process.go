package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is a running sidecar instance. Output yields combined stdout and
// stderr and reaches EOF when the process is gone; Wait must only be called
// after that.
type Process interface {
	PID() int
	Output() io.Reader
	Kill() error
	Wait() error
}

type Spawner interface {
	Spawn(ctx context.Context, binary string, args []string) (Process, error)
}

// ExecSpawner starts real child processes.
type ExecSpawner struct {
	Env []string
}

func (s ExecSpawner) Spawn(_ context.Context, binary string, args []string) (Process, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	// not CommandContext: the process must outlive the request that started it.
	cmd := exec.Command(binary, args...)
	cmd.Stdout = writer
	cmd.Stderr = writer
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("spawn sidecar: %w", err)
	}
	_ = writer.Close()
	return &execProcess{cmd: cmd, output: reader}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output *os.File
	once   sync.Once
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Output() io.Reader { return p.output }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("kill sidecar pid %d: %w", p.PID(), err)
	}
	return nil
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.once.Do(func() { _ = p.output.Close() })
	return err
}
