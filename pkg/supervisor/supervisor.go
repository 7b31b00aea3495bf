package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/logging"
)

var (
	// ErrAlreadyRunning is returned by Start when the tunnel is starting,
	// running, stopping, or still owns a process that refused to die.
	ErrAlreadyRunning = errors.New("tunnel is already running")
	// ErrPortInUse is returned when the local port is reserved by another
	// tunnel or bound by a foreign process.
	ErrPortInUse = errors.New("local port already in use")
	// ErrProcessFailure is returned when the client could not be spawned or
	// exited before it was confirmed ready.
	ErrProcessFailure = errors.New("tunnel process failed")
	// ErrStartAborted is returned by a Start that was overtaken by Stop.
	ErrStartAborted = errors.New("tunnel start aborted")
	// ErrStopTimeout is returned when the process survived SIGKILL.
	ErrStopTimeout = errors.New("tunnel process did not exit")
	// ErrActive is returned by Forget and Rename for tunnels with a process.
	ErrActive = errors.New("tunnel is active")
)

// CommandFunc builds the (unstarted) client command for a tunnel.
type CommandFunc func(cfg config.TunnelConfig) (*exec.Cmd, error)

// Options configures a Supervisor. Zero durations take the defaults below.
type Options struct {
	Command          CommandFunc
	ReadyPattern     string
	ReadyGrace       time.Duration
	RequireReadyLine bool
	StartTimeout     time.Duration
	StopGrace        time.Duration
	KillTimeout      time.Duration
	ReapInterval     time.Duration
	// PortProbe checks the OS for a foreign listener. Defaults to a
	// net.Listen probe on 127.0.0.1.
	PortProbe func(port int) error

	terminate func(cmd *exec.Cmd) error
	kill      func(cmd *exec.Cmd) error
}

func (o *Options) setDefaults() {
	if o.ReadyGrace <= 0 {
		o.ReadyGrace = 2 * time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 3 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Second
	}
	if o.PortProbe == nil {
		o.PortProbe = probePort
	}
	if o.terminate == nil {
		o.terminate = terminateProcess
	}
	if o.kill == nil {
		o.kill = killProcess
	}
}

// process is one spawned client. done is closed by the waiter goroutine after
// exitErr has been set.
type process struct {
	cmd     *exec.Cmd
	tail    *outputTail
	done    chan struct{}
	exitErr error
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) exitReason() string {
	var reason string
	var exitErr *exec.ExitError
	switch {
	case p.exitErr == nil:
		reason = "exited with code 0"
	case errors.As(p.exitErr, &exitErr) && exitErr.ExitCode() >= 0:
		reason = fmt.Sprintf("exited with code %d", exitErr.ExitCode())
	default:
		reason = p.exitErr.Error()
	}
	if lines := p.tail.Last(3); len(lines) > 0 {
		reason += ": " + strings.Join(lines, " | ")
	}
	return reason
}

// entry is the runtime record of one tunnel. proc is non-nil while the state
// is active and in the failed-with-leaked-handle case.
type entry struct {
	Runtime
	proc  *process
	abort chan struct{}
}

// Supervisor runs at most one client process per tunnel name and keeps each
// tunnel's state in step with its process.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	ports   map[int]string

	opsMu sync.Mutex
	ops   map[string]*sync.Mutex

	exits chan struct{}
}

// New creates a Supervisor. Call Run to reap exited processes.
func New(opts Options) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		opts:    opts,
		entries: make(map[string]*entry),
		ports:   make(map[int]string),
		ops:     make(map[string]*sync.Mutex),
		exits:   make(chan struct{}, 1),
	}
}

// opLock returns the mutex serializing start and stop for one name.
func (s *Supervisor) opLock(name string) *sync.Mutex {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	op, ok := s.ops[name]
	if !ok {
		op = &sync.Mutex{}
		s.ops[name] = op
	}
	return op
}

// dropOpLockLocked removes the op mutex of a forgotten name unless an
// operation holds it. Must be called with s.mu held.
func (s *Supervisor) dropOpLockLocked(name string) {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	if op, ok := s.ops[name]; ok && op.TryLock() {
		delete(s.ops, name)
		op.Unlock()
	}
}

// moveOpLockLocked rekeys the op mutex of a renamed tunnel. Must be called
// with s.mu held.
func (s *Supervisor) moveOpLockLocked(oldName, newName string) {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	op, ok := s.ops[oldName]
	if !ok {
		return
	}
	delete(s.ops, oldName)
	if _, taken := s.ops[newName]; !taken {
		s.ops[newName] = op
	}
}

func (s *Supervisor) entryLocked(name string) *entry {
	e, ok := s.entries[name]
	if !ok {
		e = &entry{Runtime: Runtime{Name: name, State: StateStopped}}
		s.entries[name] = e
	}
	return e
}

func (s *Supervisor) setStateLocked(e *entry, to State) bool {
	if !CanTransition(e.State, to) {
		logging.LogError("Tunnel %s: refusing transition %s -> %s", e.Name, e.State, to)
		return false
	}
	logging.LogDebug("Tunnel %s: %s -> %s", e.Name, e.State, to)
	e.State = to
	return true
}

// failLocked moves e to failed. With keepProc the handle survives (the
// process refused to exit) and the port stays reserved.
func (s *Supervisor) failLocked(e *entry, reason string, keepProc bool) {
	if !s.setStateLocked(e, StateFailed) {
		return
	}
	e.Reason = reason
	e.StoppedAt = time.Now()
	e.abort = nil
	if !keepProc {
		e.proc = nil
		e.PID = 0
		s.releasePortLocked(e.Name, e.Port)
	}
}

func (s *Supervisor) runLogger(e *entry) zerolog.Logger {
	return logging.Logger().With().Str("tunnel", e.Name).Str("run_id", e.RunID).Logger()
}

// Track makes sure name has a runtime entry, stopped if new.
func (s *Supervisor) Track(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(name)
}

// Forget drops the runtime entry of an inactive tunnel.
func (s *Supervisor) Forget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil
	}
	if s.busyLocked(e) {
		return fmt.Errorf("%w: '%s' is %s", ErrActive, name, e.State)
	}
	delete(s.entries, name)
	s.dropOpLockLocked(name)
	return nil
}

// busyLocked reports whether e has a process or a start in flight holding
// its port.
func (s *Supervisor) busyLocked(e *entry) bool {
	if e.State.Active() || e.proc != nil {
		return true
	}
	for _, holder := range s.ports {
		if holder == e.Name {
			return true
		}
	}
	return false
}

// Rename rekeys the runtime entry of an inactive tunnel.
func (s *Supervisor) Rename(oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[oldName]
	if !ok {
		s.entryLocked(newName)
		return nil
	}
	if s.busyLocked(e) {
		return fmt.Errorf("%w: '%s' is %s", ErrActive, oldName, e.State)
	}
	if _, taken := s.entries[newName]; taken {
		return fmt.Errorf("%w: '%s'", config.ErrDuplicateName, newName)
	}
	delete(s.entries, oldName)
	e.Name = newName
	s.entries[newName] = e
	s.moveOpLockLocked(oldName, newName)
	return nil
}

// Runtime returns a copy of one runtime entry.
func (s *Supervisor) Runtime(name string) (Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return Runtime{}, false
	}
	return e.Runtime, true
}

// Runtimes returns a copy of every runtime entry keyed by name.
func (s *Supervisor) Runtimes() map[string]Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Runtime, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.Runtime
	}
	return out
}

// Start launches the client for cfg and blocks until it is confirmed running,
// fails, or is aborted by Stop or ctx.
func (s *Supervisor) Start(ctx context.Context, cfg config.TunnelConfig) error {
	name := cfg.Name
	op := s.opLock(name)
	op.Lock()

	s.mu.Lock()
	e := s.entryLocked(name)
	if e.State.Active() || e.proc != nil {
		state := e.State
		s.mu.Unlock()
		op.Unlock()
		return fmt.Errorf("%w: '%s' is %s", ErrAlreadyRunning, name, state)
	}
	if err := s.reservePortLocked(name, cfg.LocalPort); err != nil {
		s.mu.Unlock()
		op.Unlock()
		logging.LogError("Cannot start tunnel %s: %v", name, err)
		return err
	}
	s.mu.Unlock()

	// Probe outside the lock; the reservation keeps other tunnels off the port.
	if err := s.opts.PortProbe(cfg.LocalPort); err != nil {
		s.mu.Lock()
		s.releasePortLocked(name, cfg.LocalPort)
		s.mu.Unlock()
		op.Unlock()
		logging.LogError("Cannot start tunnel %s: %v", name, err)
		return err
	}

	s.mu.Lock()
	s.setStateLocked(e, StateStarting)
	e.Port = cfg.LocalPort
	e.RunID = uuid.NewString()
	e.Reason = ""
	e.PID = 0
	e.StartedAt = time.Time{}
	e.StoppedAt = time.Time{}
	abort := make(chan struct{})
	e.abort = abort
	log := s.runLogger(e)
	s.mu.Unlock()

	p, err := s.spawn(cfg, log)
	if err != nil {
		s.mu.Lock()
		s.failLocked(e, err.Error(), false)
		s.mu.Unlock()
		op.Unlock()
		log.Error().Err(err).Msg("Failed to spawn client")
		return fmt.Errorf("%w: %w", ErrProcessFailure, err)
	}

	s.mu.Lock()
	e.proc = p
	e.PID = p.cmd.Process.Pid
	s.mu.Unlock()
	op.Unlock()

	log.Info().Int("pid", p.cmd.Process.Pid).Int("port", cfg.LocalPort).Msg("Client started, waiting for readiness")
	return s.awaitReady(ctx, e, p, abort, log)
}

func (s *Supervisor) spawn(cfg config.TunnelConfig, log zerolog.Logger) (*process, error) {
	if s.opts.Command == nil {
		return nil, errors.New("no client command configured")
	}
	cmd, err := s.opts.Command(cfg)
	if err != nil {
		return nil, err
	}
	prepareCommand(cmd)
	tail := newOutputTail(s.opts.ReadyPattern, log)
	cmd.Stdout = &lineWriter{stream: "stdout", tail: tail}
	cmd.Stderr = &lineWriter{stream: "stderr", tail: tail}
	cmd.WaitDelay = s.opts.KillTimeout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	p := &process{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
		s.notifyExit()
	}()
	return p, nil
}

func (s *Supervisor) notifyExit() {
	select {
	case s.exits <- struct{}{}:
	default:
	}
}

// awaitReady applies the readiness heuristic: the ready line, or surviving
// the grace period unless the ready line is required.
func (s *Supervisor) awaitReady(ctx context.Context, e *entry, p *process, abort chan struct{}, log zerolog.Logger) error {
	var grace <-chan time.Time
	if !s.opts.RequireReadyLine {
		graceTimer := time.NewTimer(s.opts.ReadyGrace)
		defer graceTimer.Stop()
		grace = graceTimer.C
	}
	timeout := time.NewTimer(s.opts.StartTimeout)
	defer timeout.Stop()

	select {
	case <-p.tail.ready:
		return s.confirmRunning(e, p, abort, log, "ready line")
	case <-grace:
		return s.confirmRunning(e, p, abort, log, "grace period")
	case <-p.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.proc != p || e.abort != abort {
			return ErrStartAborted
		}
		reason := p.exitReason()
		s.failLocked(e, reason, false)
		log.Error().Str("reason", reason).Msg("Client exited during startup")
		return fmt.Errorf("%w: %s", ErrProcessFailure, reason)
	case <-abort:
		return ErrStartAborted
	case <-timeout.C:
		log.Error().Dur("timeout", s.opts.StartTimeout).Msg("Client not ready in time")
		return s.abandonStart(e, p, abort, StateFailed, "readiness timeout")
	case <-ctx.Done():
		if err := s.abandonStart(e, p, abort, StateStopped, ""); err != nil && !errors.Is(err, ErrStartAborted) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStartAborted, ctx.Err())
	}
}

func (s *Supervisor) confirmRunning(e *entry, p *process, abort chan struct{}, log zerolog.Logger, via string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.proc != p || e.abort != abort || e.State != StateStarting {
		return ErrStartAborted
	}
	if p.exited() {
		reason := p.exitReason()
		s.failLocked(e, reason, false)
		return fmt.Errorf("%w: %s", ErrProcessFailure, reason)
	}
	s.setStateLocked(e, StateRunning)
	e.StartedAt = time.Now()
	e.abort = nil
	log.Info().Str("via", via).Msg("Tunnel running")
	return nil
}

// abandonStart terminates a starting process and settles the entry in final.
func (s *Supervisor) abandonStart(e *entry, p *process, abort chan struct{}, final State, reason string) error {
	op := s.opLock(e.Name)
	op.Lock()
	defer op.Unlock()

	s.mu.Lock()
	if e.proc != p || e.abort != abort || e.State != StateStarting {
		s.mu.Unlock()
		return ErrStartAborted
	}
	e.abort = nil
	s.setStateLocked(e, StateStopping)
	s.mu.Unlock()

	err := s.terminate(context.Background(), p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failLocked(e, "process did not exit after kill", true)
		return err
	}
	if final == StateFailed {
		s.failLocked(e, reason, false)
		return fmt.Errorf("%w: %s", ErrProcessFailure, reason)
	}
	s.finishStopLocked(e)
	return nil
}

func (s *Supervisor) finishStopLocked(e *entry) {
	e.proc = nil
	e.PID = 0
	e.Reason = ""
	e.StoppedAt = time.Now()
	s.releasePortLocked(e.Name, e.Port)
	s.setStateLocked(e, StateStopped)
}

// terminate sends the graceful signal, waits StopGrace, then kills and waits
// KillTimeout. A cancelled ctx skips the rest of the grace period.
func (s *Supervisor) terminate(ctx context.Context, p *process) error {
	if p.exited() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if err := s.opts.terminate(p.cmd); err != nil {
		logging.LogDebug("Graceful stop of PID %d failed: %v", pid, err)
	}

	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	logging.LogInfo("PID %d still running after stop grace, killing", pid)
	if err := s.opts.kill(p.cmd); err != nil {
		logging.LogError("Kill of PID %d failed: %v", pid, err)
	}

	kill := time.NewTimer(s.opts.KillTimeout)
	defer kill.Stop()
	select {
	case <-p.done:
		return nil
	case <-kill.C:
		return fmt.Errorf("%w: PID %d", ErrStopTimeout, pid)
	}
}

// Stop terminates the tunnel's process. Stopping a stopped tunnel is a no-op;
// stopping a failed tunnel without a process resets it to stopped.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: '%s'", config.ErrNotFound, name)
	}
	// Cancel a pending readiness wait before queueing behind its lock.
	if e.State == StateStarting && e.abort != nil {
		close(e.abort)
		e.abort = nil
	}
	s.mu.Unlock()

	op := s.opLock(name)
	op.Lock()
	defer op.Unlock()

	s.mu.Lock()
	if cur, ok := s.entries[name]; !ok || cur != e {
		s.mu.Unlock()
		return nil
	}
	switch {
	case e.State == StateStopped:
		s.mu.Unlock()
		return nil
	case e.State == StateFailed && e.proc == nil:
		e.Reason = ""
		s.setStateLocked(e, StateStopped)
		s.mu.Unlock()
		return nil
	}
	p := e.proc
	if p == nil {
		s.finishStopLocked(e)
		s.mu.Unlock()
		return nil
	}
	e.abort = nil
	s.setStateLocked(e, StateStopping)
	log := s.runLogger(e)
	s.mu.Unlock()

	log.Info().Int("pid", p.cmd.Process.Pid).Msg("Stopping tunnel")
	err := s.terminate(ctx, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failLocked(e, err.Error(), true)
		log.Error().Err(err).Msg("Tunnel did not stop")
		return err
	}
	s.finishStopLocked(e)
	log.Info().Msg("Tunnel stopped")
	return nil
}

// StopAll stops every tunnel that has a process, concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	var names []string
	for name, e := range s.entries {
		if e.State.Active() || e.proc != nil {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := s.Stop(ctx, name); err != nil {
				return fmt.Errorf("stop '%s': %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Reap marks running tunnels whose process has exited as failed and drops the
// handles of leaked processes that finally exited. It returns the number of
// tunnels it failed.
func (s *Supervisor) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for _, e := range s.entries {
		if e.proc == nil || !e.proc.exited() {
			continue
		}
		switch e.State {
		case StateRunning:
			reason := e.proc.exitReason()
			s.failLocked(e, reason, false)
			log := s.runLogger(e)
			log.Warn().Str("reason", reason).Msg("Tunnel process exited unexpectedly")
			reaped++
		case StateFailed:
			e.proc = nil
			e.PID = 0
			s.releasePortLocked(e.Name, e.Port)
		}
	}
	return reaped
}

// Run reaps on every process exit and every ReapInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		case <-s.exits:
			s.Reap()
		}
	}
}
