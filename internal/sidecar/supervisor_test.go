package sidecar

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FoxOnTheRun42/proxypal/internal/config"
	"github.com/FoxOnTheRun42/proxypal/internal/events"
)

type fakeProcess struct {
	pid     int
	reader  *io.PipeReader
	writer  *io.PipeWriter
	exited  chan struct{}
	once    sync.Once
	exitErr error
	killErr error
	killed  atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{pid: pid, reader: r, writer: w, exited: make(chan struct{})}
}

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Output() io.Reader { return p.reader }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(errors.New("signal: killed"))
	return p.killErr
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.writer.Close()
		close(p.exited)
	})
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	args  [][]string
	err   error
}

func (s *fakeSpawner) Spawn(_ context.Context, _ string, args []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	s.args = append(s.args, args)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingSink) Publish(t events.Type, payload any) {
	if t != events.ProxyStatusChanged {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, payload.(Status).State)
}

func (r *recordingSink) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type harness struct {
	sup     *Supervisor
	spawner *fakeSpawner
	sink    *recordingSink
	cfg     config.AppConfig
	lines   chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	binary := filepath.Join(dir, "cliproxyapi")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	cfg := config.Default()
	cfg.SidecarBinary = binary

	h := &harness{spawner: &fakeSpawner{}, sink: &recordingSink{}, cfg: cfg, lines: make(chan string, 16)}
	h.sup = New(Options{
		Spawner:     h.spawner,
		ConfigPath:  filepath.Join(dir, "proxy-config.yaml"),
		SettleDelay: 10 * time.Millisecond,
		OnLine:      func(line string) { h.lines <- line },
		Events:      h.sink,
	})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return h
}

func waitForState(t *testing.T, sup *Supervisor, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := sup.Status(); st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", sup.Status().State, want)
	return Status{}
}

func TestStartTwiceSpawnsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.sup.Start(ctx, h.cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second, err := h.sup.Start(ctx, h.cfg)
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if first != second {
		t.Fatalf("statuses differ: %+v vs %+v", first, second)
	}
	if h.spawner.count() != 1 {
		t.Fatalf("spawned %d processes, want 1", h.spawner.count())
	}
	if first.State != Running || !first.Running || first.Endpoint != "http://localhost:8317/v1" {
		t.Fatalf("status = %+v", first)
	}
	if got := h.spawner.args[0]; len(got) != 1 || got[0] != "--config="+h.sup.opts.ConfigPath {
		t.Fatalf("args = %v, want single --config argument", got)
	}
	if _, err := os.Stat(h.sup.opts.ConfigPath); err != nil {
		t.Fatalf("sidecar config not written: %v", err)
	}
}

func TestConcurrentStartsWhileStartingShareOneSpawn(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	results := make([]Status, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := h.sup.Start(context.Background(), h.cfg)
			if err != nil {
				t.Errorf("Start() error = %v", err)
			}
			results[i] = st
		}(i)
	}
	wg.Wait()
	if h.spawner.count() != 1 {
		t.Fatalf("spawned %d processes, want 1", h.spawner.count())
	}
	for _, st := range results {
		if st.State != Running {
			t.Fatalf("status = %+v, want running", st)
		}
	}
}

func TestStopKillsAndIgnoresStaleExit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, h.cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	proc := h.spawner.last()

	st, err := h.sup.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st.State != NotRunning || !proc.killed.Load() {
		t.Fatalf("status = %+v killed = %v", st, proc.killed.Load())
	}

	// the killed instance's exit message must not flip state to crashed
	time.Sleep(30 * time.Millisecond)
	if got := h.sup.Status().State; got != NotRunning {
		t.Fatalf("state after stale exit = %s, want not_running", got)
	}

	if st, err := h.sup.Stop(ctx); err != nil || st.State != NotRunning {
		t.Fatalf("Stop() while stopped = %+v, %v", st, err)
	}
	want := []State{Starting, Running, NotRunning}
	got := h.sink.snapshot()
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	}
}

func TestUnsolicitedExitMarksCrashed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, h.cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.spawner.last().exit(errors.New("exit status 2"))

	st := waitForState(t, h.sup, Crashed)
	if st.Running || st.Reason != "exit status 2" {
		t.Fatalf("crashed status = %+v", st)
	}

	if _, err := h.sup.Start(ctx, h.cfg); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if h.spawner.count() != 2 {
		t.Fatalf("spawned %d processes, want 2", h.spawner.count())
	}
}

func TestStopFromCrashedConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, h.cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.spawner.last().exit(errors.New("exit status 1"))
	waitForState(t, h.sup, Crashed)

	st, err := h.sup.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st.State != NotRunning {
		t.Fatalf("state = %s, want not_running", st.State)
	}
}

func TestExitDuringStartupReportsError(t *testing.T) {
	h := newHarness(t)
	h.sup.opts.SettleDelay = time.Second
	errCh := make(chan error, 1)
	go func() {
		_, err := h.sup.Start(context.Background(), h.cfg)
		errCh <- err
	}()
	waitForState(t, h.sup, Starting)
	h.spawner.last().exit(errors.New("exit status 3"))

	err := <-errCh
	var exited *ExitedError
	if !errors.As(err, &exited) || exited.Reason != "exit status 3" {
		t.Fatalf("Start() error = %v, want ExitedError", err)
	}
}

func TestSpawnFailureLeavesNotRunning(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errors.New("exec format error")
	st, err := h.sup.Start(context.Background(), h.cfg)
	if err == nil {
		t.Fatalf("expected spawn error")
	}
	if st.State != NotRunning {
		t.Fatalf("state = %s, want not_running", st.State)
	}
}

func TestKillFailureStillClearsHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, h.cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.spawner.last().killErr = errors.New("operation not permitted")

	if _, err := h.sup.Stop(ctx); err == nil {
		t.Fatalf("expected kill error")
	}
	if got := h.sup.Status().State; got != NotRunning {
		t.Fatalf("state = %s, want not_running", got)
	}
	if _, err := h.sup.Start(ctx, h.cfg); err != nil {
		t.Fatalf("Start() after failed kill error = %v", err)
	}
	if h.spawner.count() != 2 {
		t.Fatalf("spawned %d processes, want 2", h.spawner.count())
	}
}

func TestOutputLinesReachHandler(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.Start(context.Background(), h.cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	proc := h.spawner.last()
	go func() {
		_, _ = io.WriteString(proc.writer, "POST /v1/chat/completions 200 12ms\n")
	}()
	select {
	case line := <-h.lines:
		if line != "POST /v1/chat/completions 200 12ms" {
			t.Fatalf("line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("line not delivered")
	}
}

func TestOversizedLineIsDroppedAndDrainContinues(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.Start(context.Background(), h.cfg); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	proc := h.spawner.last()
	go func() {
		_, _ = io.WriteString(proc.writer, strings.Repeat("x", 2*maxLineBytes)+"\n")
		_, _ = io.WriteString(proc.writer, "POST /v1/chat/completions 200 12ms\n")
	}()
	select {
	case line := <-h.lines:
		if line != "POST /v1/chat/completions 200 12ms" {
			t.Fatalf("line = %.40q, want the request line after the oversized one", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("line after an oversized line not delivered; state=%s", h.sup.Status().State)
	}
	if got := h.sup.Status().State; got != Running {
		t.Fatalf("state = %s, want %s", got, Running)
	}
}
