// Package supervisor owns the backend process table. It is the single
// writer of process state: every transition (starting, running, crashed,
// backoff, failed, stopped) happens under its lock and is observable
// through Snapshot. Crashed backends are restarted a bounded number of
// times with a fixed delay; the attempt counter resets once a backend
// completes its handshake.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcpgate/mcpgate/pkg/bridge"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

const (
	// restartDelay is the fixed pause between restart attempts.
	restartDelay = 2 * time.Second

	// maxRestartAttempts bounds consecutive failed restarts before a
	// backend is marked failed and left alone.
	maxRestartAttempts = 3

	// startStagger spaces out process launches during bulk startup so a
	// fleet of npx-style backends does not thundering-herd the machine.
	startStagger = 500 * time.Millisecond

	// stopGracePeriod is how long a backend gets between SIGTERM and
	// SIGKILL.
	stopGracePeriod = 5 * time.Second
)

// Observer is notified of backend availability transitions. Calls are made
// outside the supervisor's lock; implementations may call back into the
// supervisor.
type Observer interface {
	// BackendRunning fires after a backend completes its handshake.
	BackendRunning(name string)

	// BackendStopped fires when a running backend becomes unavailable,
	// whether deliberately stopped or crashed.
	BackendStopped(name string)
}

// process is one supervised backend. The generation counter guards against
// a stale monitor goroutine acting on a process that was since replaced.
type process struct {
	spec       gateway.BackendSpec
	state      gateway.ProcessState
	cmd        *exec.Cmd
	conn       *bridge.Conn
	restarts   int
	stopping   bool
	restarting bool
	generation int
	exited     chan struct{}

	// opMu serializes start/stop operations per backend so a restart and
	// a reconfigure cannot interleave on the same name.
	opMu sync.Mutex
}

// Supervisor manages backend child processes and their sessions.
type Supervisor struct {
	mu       sync.Mutex
	procs    map[string]*process
	observer Observer
	version  string
}

// New creates a supervisor. The observer may be nil. The version string is
// reported to backends during the handshake.
func New(observer Observer, version string) *Supervisor {
	return &Supervisor{
		procs:    make(map[string]*process),
		observer: observer,
		version:  version,
	}
}

// SetObserver installs the observer after construction, for wiring orders
// where the observer itself needs the supervisor first. Call before
// StartAll.
func (s *Supervisor) SetObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

func (s *Supervisor) obs() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// StartAll launches the given backends with a stagger between launches.
// Individual failures are logged and retried by the restart policy; one
// bad backend never blocks the rest.
func (s *Supervisor) StartAll(ctx context.Context, specs []gateway.BackendSpec) {
	for i := range specs {
		spec := specs[i]
		if !spec.Enabled {
			logger.Infof("Backend %s is disabled, skipping", spec.Name)
			continue
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(startStagger):
			}
		}
		if err := s.Apply(ctx, spec); err != nil {
			logger.Errorf("Backend %s failed to start: %v", spec.Name, err)
		}
	}
}

// Apply brings a backend to the given spec. A new name is started; an
// existing name is stopped first and relaunched under the new spec. A
// disabled spec stops the backend.
func (s *Supervisor) Apply(ctx context.Context, spec gateway.BackendSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	proc := s.acquire(spec.Name)
	proc.opMu.Lock()
	defer proc.opMu.Unlock()

	if s.stateOf(proc) == gateway.StateRunning || s.stateOf(proc) == gateway.StateStarting {
		if err := s.stopLocked(ctx, proc); err != nil {
			logger.Warnf("Backend %s: stop before relaunch: %v", spec.Name, err)
		}
	}

	s.mu.Lock()
	proc.spec = spec
	proc.restarts = 0
	proc.stopping = false
	s.mu.Unlock()

	if !spec.Enabled {
		s.transition(proc, gateway.StateStopped)
		return nil
	}
	return s.startLocked(ctx, proc)
}

// Stop terminates a backend deliberately. The process gets SIGTERM, then
// SIGKILL after the grace period. Stopping an unknown or already stopped
// backend is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	proc, ok := s.procs[name]
	if ok {
		// Flagging before taking opMu lets an in-progress restart loop
		// observe the stop and bail instead of burning its attempts.
		proc.stopping = true
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	proc.opMu.Lock()
	defer proc.opMu.Unlock()
	return s.stopLocked(ctx, proc)
}

// StopAll stops every backend. Used on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, name := range s.names() {
		if err := s.Stop(ctx, name); err != nil {
			logger.Warnf("Backend %s: stop: %v", name, err)
		}
	}
}

// Remove stops a backend and drops it from the process table.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
	return nil
}

// State reports a backend's current lifecycle state.
func (s *Supervisor) State(name string) gateway.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[name]
	if !ok {
		return gateway.StateStopped
	}
	return proc.state
}

// IsHealthy reports whether a backend is running with a live session.
func (s *Supervisor) IsHealthy(name string) bool {
	return s.State(name) == gateway.StateRunning
}

// Snapshot returns the state of every known backend.
func (s *Supervisor) Snapshot() map[string]gateway.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]gateway.ProcessState, len(s.procs))
	for name, proc := range s.procs {
		out[name] = proc.state
	}
	return out
}

// Spec returns the spec a backend is currently running under.
func (s *Supervisor) Spec(name string) (gateway.BackendSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[name]
	if !ok {
		return gateway.BackendSpec{}, false
	}
	return proc.spec, true
}

// Call forwards a JSON-RPC request to a backend's session.
func (s *Supervisor) Call(ctx context.Context, name, method string, params any) ([]byte, error) {
	conn, err := s.session(name)
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, params)
}

func (s *Supervisor) session(name string) (*bridge.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", gateway.ErrRouting, name)
	}
	if proc.state != gateway.StateRunning || proc.conn == nil {
		return nil, fmt.Errorf("%w: backend %q is %s", gateway.ErrBackendUnavailable, name, proc.state)
	}
	return proc.conn, nil
}

func (s *Supervisor) acquire(name string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[name]
	if !ok {
		proc = &process{state: gateway.StateStopped}
		s.procs[name] = proc
	}
	return proc
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	return names
}

func (s *Supervisor) stateOf(proc *process) gateway.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return proc.state
}

// transition is the single place process state changes.
func (s *Supervisor) transition(proc *process, state gateway.ProcessState) {
	s.mu.Lock()
	old := proc.state
	proc.state = state
	name := proc.spec.Name
	s.mu.Unlock()
	if old != state {
		logger.Debugf("Backend %s: %s -> %s", name, old, state)
	}
}

// startLocked launches the child, wires its session, and performs the
// handshake within the spec's startup timeout. Caller holds opMu.
func (s *Supervisor) startLocked(ctx context.Context, proc *process) error {
	s.mu.Lock()
	spec := proc.spec
	s.mu.Unlock()

	s.transition(proc, gateway.StateStarting)
	logger.Infof("Starting backend %s: %s %v", spec.Name, spec.Command, spec.Args)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), envPairs(spec.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.transition(proc, gateway.StateCrashed)
		return fmt.Errorf("%w: %s: stdin pipe: %v", gateway.ErrBackendUnavailable, spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.transition(proc, gateway.StateCrashed)
		return fmt.Errorf("%w: %s: stdout pipe: %v", gateway.ErrBackendUnavailable, spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.transition(proc, gateway.StateCrashed)
		return fmt.Errorf("%w: %s: stderr pipe: %v", gateway.ErrBackendUnavailable, spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		s.transition(proc, gateway.StateCrashed)
		return fmt.Errorf("%w: %s: launch: %v", gateway.ErrBackendUnavailable, spec.Name, err)
	}

	go relayStderr(spec.Name, stderr)

	conn := bridge.NewConn(spec.Name, stdin, stdout)
	exited := make(chan struct{})

	s.mu.Lock()
	proc.cmd = cmd
	proc.conn = conn
	proc.generation++
	proc.exited = exited
	gen := proc.generation
	s.mu.Unlock()

	go s.monitor(proc, gen, cmd, conn, exited)

	hsCtx, cancel := context.WithTimeout(ctx, spec.StartupTimeout)
	defer cancel()
	info, err := s.handshake(hsCtx, conn)
	if err != nil {
		logger.Errorf("Backend %s: handshake failed: %v", spec.Name, err)
		s.killProcess(cmd)
		conn.Close(fmt.Errorf("handshake failed: %w", err))
		s.transition(proc, gateway.StateCrashed)
		return fmt.Errorf("%w: %s: %v", gateway.ErrBackendUnavailable, spec.Name, err)
	}

	s.mu.Lock()
	proc.restarts = 0
	proc.state = gateway.StateRunning
	s.mu.Unlock()
	logger.Infof("Backend %s is running (server %s %s)", spec.Name, info.ServerInfo.Name, info.ServerInfo.Version)

	if obs := s.obs(); obs != nil {
		obs.BackendRunning(spec.Name)
	}
	return nil
}

// stopLocked performs the SIGTERM, grace period, SIGKILL sequence. Caller
// holds opMu.
func (s *Supervisor) stopLocked(_ context.Context, proc *process) error {
	s.mu.Lock()
	if proc.state != gateway.StateRunning && proc.state != gateway.StateStarting {
		proc.state = gateway.StateStopped
		s.mu.Unlock()
		return nil
	}
	proc.stopping = true
	cmd := proc.cmd
	exited := proc.exited
	name := proc.spec.Name
	s.mu.Unlock()

	logger.Infof("Stopping backend %s", name)
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Debugf("Backend %s: SIGTERM: %v", name, err)
		}
	}

	if exited != nil {
		select {
		case <-exited:
		case <-time.After(stopGracePeriod):
			logger.Warnf("Backend %s did not exit within %s, killing", name, stopGracePeriod)
			s.killProcess(cmd)
			<-exited
		}
	}
	return nil
}

func (s *Supervisor) killProcess(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// monitor waits for the child to exit and drives the restart policy. Only
// the monitor for the current generation may act.
func (s *Supervisor) monitor(proc *process, gen int, cmd *exec.Cmd, conn *bridge.Conn, exited chan struct{}) {
	err := cmd.Wait()

	reason := errors.New("process exited")
	if err != nil {
		reason = fmt.Errorf("process exited: %v", err)
	}
	conn.Close(reason)

	s.mu.Lock()
	if proc.generation != gen {
		s.mu.Unlock()
		close(exited)
		return
	}
	deliberate := proc.stopping
	name := proc.spec.Name
	wasVisible := proc.state == gateway.StateRunning
	// Failed is terminal: the restart budget is spent and only an explicit
	// spec change revives the backend. The exit of the budget's last
	// attempt must not overwrite it back to Crashed.
	settled := proc.state == gateway.StateFailed
	switch {
	case settled:
	case deliberate:
		proc.state = gateway.StateStopped
	default:
		proc.state = gateway.StateCrashed
	}
	// One restart cycle per backend; while it runs, its own failed
	// attempts exit through here too and must not arm a second cycle.
	shouldRestart := !deliberate && !settled && !proc.restarting
	if shouldRestart {
		proc.restarting = true
	}
	s.mu.Unlock()

	// Signaled only after the state is settled so a waiting stop sees the
	// final state, not a window where the exit looks like a crash.
	close(exited)

	if obs := s.obs(); wasVisible && obs != nil {
		obs.BackendStopped(name)
	}

	if deliberate {
		logger.Infof("Backend %s stopped", name)
		return
	}
	if !shouldRestart {
		return
	}
	logger.Warnf("Backend %s crashed: %v", name, reason)
	go s.restart(proc)
}

// restart retries a crashed backend with a fixed delay between attempts.
// After the attempt budget is spent the backend is marked failed and is
// not touched again until a reconfigure.
func (s *Supervisor) restart(proc *process) {
	proc.opMu.Lock()
	defer proc.opMu.Unlock()
	// Cleared before opMu is released so a crash right after this cycle
	// can arm the next one.
	defer func() {
		s.mu.Lock()
		proc.restarting = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	if proc.stopping || proc.state != gateway.StateCrashed {
		s.mu.Unlock()
		return
	}
	name := proc.spec.Name
	proc.state = gateway.StateBackoff
	s.mu.Unlock()

	// The first attempt also waits the fixed delay; a crash is never
	// answered with an instant relaunch.
	time.Sleep(restartDelay)

	attempt := 0
	operation := func() (struct{}, error) {
		s.mu.Lock()
		if proc.stopping {
			s.mu.Unlock()
			return struct{}{}, backoff.Permanent(errors.New("stopped during restart"))
		}
		proc.restarts++
		attempt = proc.restarts
		s.mu.Unlock()

		logger.Infof("Restarting backend %s (attempt %d/%d)", name, attempt, maxRestartAttempts)
		return struct{}{}, s.startLocked(context.Background(), proc)
	}

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(restartDelay)),
		backoff.WithMaxTries(maxRestartAttempts))
	if err != nil {
		logger.Errorf("Backend %s failed after %d restart attempts, giving up: %v",
			name, maxRestartAttempts, err)
		s.transition(proc, gateway.StateFailed)
	}
}

func relayStderr(name string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		logger.Debugf("Backend %s stderr: %s", name, scanner.Text())
	}
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}
