package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/events"
	"github.com/FoxOnTheRun42/proxypal/internal/process"
)

const DefaultSettleDelay = 500 * time.Millisecond

type State string

const (
	NotRunning State = "not_running"
	Starting   State = "starting"
	Running    State = "running"
	Crashed    State = "crashed"
)

// Status is an advisory snapshot of the sidecar lifecycle.
type Status struct {
	State    State  `json:"state"`
	Running  bool   `json:"running"`
	Port     int    `json:"port,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Reason   string `json:"reason,omitempty"`
	PID      int    `json:"pid,omitempty"`
}

var (
	ErrSupervisorStopped = errors.New("sidecar supervisor is not running")
	ErrStartAborted      = errors.New("sidecar start aborted")
)

// ExitedError reports a sidecar that died before it finished starting.
type ExitedError struct {
	Reason string
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("sidecar exited during startup: %s", e.Reason)
}

type Options struct {
	Spawner     Spawner
	ConfigPath  string
	SettleDelay time.Duration
	// OnLine receives every output line on the supervisor loop.
	OnLine func(line string)
	Events events.Sink
	Logger *slog.Logger
}

// Supervisor owns the single sidecar process. Lifecycle commands and
// drain messages are handled by one loop (Run); the drain goroutine never
// touches state directly.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	cmds chan command
	msgs chan drainMsg
	done chan struct{}

	statusMu sync.RWMutex
	status   Status

	// owned by the loop
	proc    Process
	active  uint64
	gen     uint64
	settle  *time.Timer
	waiters []chan startResult
	pending Status
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind  commandKind
	cfg   config.AppConfig
	reply chan startResult
}

type startResult struct {
	status Status
	err    error
}

type drainMsg struct {
	gen    uint64
	line   string
	exited bool
	err    error
}

func New(opts Options) *Supervisor {
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		cmds:   make(chan command),
		msgs:   make(chan drainMsg, 256),
		done:   make(chan struct{}),
		status: Status{State: NotRunning},
	}
}

func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Start spawns the sidecar unless it is already running, and returns once
// the settle delay has elapsed. Calling it while running returns the
// current status.
func (s *Supervisor) Start(ctx context.Context, cfg config.AppConfig) (Status, error) {
	return s.send(ctx, command{kind: cmdStart, cfg: cfg})
}

// Stop kills the sidecar. It is a no-op when nothing is running.
func (s *Supervisor) Stop(ctx context.Context) (Status, error) {
	return s.send(ctx, command{kind: cmdStop})
}

func (s *Supervisor) send(ctx context.Context, cmd command) (Status, error) {
	cmd.reply = make(chan startResult, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return s.Status(), ErrSupervisorStopped
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.status, res.err
	case <-s.done:
		return s.Status(), ErrSupervisorStopped
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

// Run is the owner loop. It returns when ctx is cancelled, killing any
// running sidecar on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		var settle <-chan time.Time
		if s.settle != nil {
			settle = s.settle.C
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStart:
				s.handleStart(ctx, cmd)
			case cmdStop:
				status, err := s.handleStop()
				cmd.reply <- startResult{status: status, err: err}
			}
		case msg := <-s.msgs:
			s.handleDrain(msg)
		case <-settle:
			s.handleSettled()
		}
	}
}

func (s *Supervisor) handleStart(ctx context.Context, cmd command) {
	current := s.Status()
	switch current.State {
	case Running:
		cmd.reply <- startResult{status: current}
		return
	case Starting:
		s.waiters = append(s.waiters, cmd.reply)
		return
	}

	cfg := cmd.cfg
	if err := WriteConfig(s.opts.ConfigPath, cfg); err != nil {
		s.setStatus(Status{State: NotRunning}, current.State != NotRunning)
		cmd.reply <- startResult{status: s.Status(), err: err}
		return
	}
	binary, err := ResolveBinary(cfg.SidecarBinary)
	if err != nil {
		s.setStatus(Status{State: NotRunning}, current.State != NotRunning)
		cmd.reply <- startResult{status: s.Status(), err: err}
		return
	}
	if !IsPortAvailable(cfg.Port) {
		pid, name := process.PortOwner(ctx, cfg.Port)
		s.logger.Warn("sidecar port already in use", "port", cfg.Port, "holder_pid", pid, "holder", name)
	}

	proc, err := s.opts.Spawner.Spawn(ctx, binary, []string{"--config=" + s.opts.ConfigPath})
	if err != nil {
		s.setStatus(Status{State: NotRunning}, current.State != NotRunning)
		cmd.reply <- startResult{status: s.Status(), err: fmt.Errorf("start sidecar: %w", err)}
		return
	}

	s.gen++
	s.active = s.gen
	s.proc = proc
	s.waiters = []chan startResult{cmd.reply}
	s.pending = Status{State: Running, Running: true, Port: cfg.Port, Endpoint: cfg.Endpoint(), PID: proc.PID()}
	s.settle = time.NewTimer(s.opts.SettleDelay)
	s.setStatus(Status{State: Starting, Port: cfg.Port, PID: proc.PID()}, true)
	s.logger.Info("sidecar spawned", "pid", proc.PID(), "port", cfg.Port, "binary", binary)

	go s.drain(s.gen, proc)
}

func (s *Supervisor) handleSettled() {
	s.settle = nil
	if s.proc == nil {
		return
	}
	s.setStatus(s.pending, true)
	s.replyWaiters(startResult{status: s.pending})
	s.logger.Info("sidecar running", "endpoint", s.pending.Endpoint)
}

func (s *Supervisor) handleStop() (Status, error) {
	current := s.Status()
	if s.proc == nil {
		if current.State == Crashed {
			s.setStatus(Status{State: NotRunning}, true)
		}
		return s.Status(), nil
	}

	proc := s.proc
	s.proc = nil
	s.active = 0
	s.stopSettle()
	killErr := proc.Kill()
	s.setStatus(Status{State: NotRunning}, true)
	s.replyWaiters(startResult{status: s.Status(), err: ErrStartAborted})
	if killErr != nil {
		s.logger.Warn("sidecar kill failed", "pid", proc.PID(), "error", killErr)
		return s.Status(), killErr
	}
	s.logger.Info("sidecar stopped", "pid", proc.PID())
	return s.Status(), nil
}

func (s *Supervisor) handleDrain(msg drainMsg) {
	if !msg.exited {
		if s.opts.OnLine != nil {
			s.opts.OnLine(msg.line)
		}
		return
	}
	if msg.gen != s.active {
		s.logger.Debug("ignoring exit of replaced sidecar", "generation", msg.gen)
		return
	}
	reason := exitReason(msg.err)
	s.proc = nil
	s.active = 0
	s.stopSettle()
	s.setStatus(Status{State: Crashed, Reason: reason}, true)
	s.replyWaiters(startResult{status: s.Status(), err: &ExitedError{Reason: reason}})
	s.logger.Warn("sidecar exited unexpectedly", "reason", reason)
}

func (s *Supervisor) shutdown() {
	if s.proc != nil {
		if err := s.proc.Kill(); err != nil {
			s.logger.Warn("kill sidecar on shutdown", "error", err)
		}
		s.proc = nil
		s.active = 0
	}
	s.stopSettle()
	s.setStatus(Status{State: NotRunning}, false)
	s.replyWaiters(startResult{status: s.Status(), err: ErrSupervisorStopped})
}

// maxLineBytes bounds a single output line. Longer lines are dropped and
// reading continues, so the sidecar never blocks on a full pipe.
const maxLineBytes = 1024 * 1024

func (s *Supervisor) drain(gen uint64, proc Process) {
	reader := bufio.NewReaderSize(proc.Output(), 64*1024)
	var line []byte
	overflow := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("sidecar output closed", "error", err)
			}
			break
		}
		if !overflow {
			line = append(line, chunk...)
			if len(line) > maxLineBytes {
				overflow = true
				line = line[:0]
			}
		}
		if isPrefix {
			continue
		}
		if overflow {
			s.logger.Debug("dropped oversized sidecar output line", "limit_bytes", maxLineBytes)
			overflow = false
			continue
		}
		text := string(line)
		line = line[:0]
		select {
		case s.msgs <- drainMsg{gen: gen, line: text}:
		case <-s.done:
			return
		}
	}
	err := proc.Wait()
	select {
	case s.msgs <- drainMsg{gen: gen, exited: true, err: err}:
	case <-s.done:
	}
}

func (s *Supervisor) setStatus(status Status, notify bool) {
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
	if notify {
		s.opts.Events.Publish(events.ProxyStatusChanged, status)
	}
}

func (s *Supervisor) replyWaiters(res startResult) {
	for _, w := range s.waiters {
		w <- res
	}
	s.waiters = nil
}

func (s *Supervisor) stopSettle() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

func exitReason(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	return err.Error()
}
