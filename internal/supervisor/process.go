// Package supervisor implements the spec §4.G local process supervisor:
// os/exec-based spawning with resource limits and credentials, a
// NotStarted->Starting->Probing->Running->Failing->Restarting->Stopped
// state machine, a restart budget with exponential backoff, and
// SIGTERM->grace->SIGKILL shutdown escalation. Grounded on the teacher's
// internal/container/podman.go validation idioms and lifecycle shape
// (Start/Stop/Restart), generalized from podman-managed containers to
// os/exec-spawned local processes since the spec's Process backend runs
// plain binaries, not containers.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/edgeerr"
	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("supervisor")

// State is the spec §3 Process lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateProbing
	StateRunning
	StateFailing
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateProbing:
		return "probing"
	case StateRunning:
		return "running"
	case StateFailing:
		return "failing"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LogLine is one captured line of a managed process's stdio, tagged per
// spec §4.G ("{process, stream, timestamp}").
type LogLine struct {
	Process   string
	Stream    string // "stdout" or "stderr"
	Line      string
	Timestamp time.Time
}

// LogSink receives captured stdio lines; the management API / access log
// pipeline implements this to fan lines out to its own storage.
type LogSink interface {
	Accept(LogLine)
}

// ManagedProcess supervises one spec §3 Process (spawned from a Backend's
// SpawnSpec). One ManagedProcess exists per configured Process backend for
// the lifetime of the configuration snapshot that named it.
type ManagedProcess struct {
	name        string
	spec        config.SpawnSpec
	rp          config.RestartPolicy
	probe       config.ProbeSpec
	processPort int
	sink        LogSink

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	restarts     []time.Time // timestamps within RestartWindow, for budget accounting
	stopRequested bool
	readyCh      chan struct{} // buffered(1), recreated per spawn; MarkReady signals it

	stateCh chan State // buffered(1); overwritten, last-write-wins observer channel
}

// NewManagedProcess validates spec and constructs a supervised process in
// StateNotStarted. probe and processPort gate the Probing->Running
// transition (spec §4.G): when processPort is 0 there is nothing to probe
// and the process is considered ready as soon as it spawns. sink may be
// nil to discard captured stdio.
func NewManagedProcess(name string, spec config.SpawnSpec, rp config.RestartPolicy, probe config.ProbeSpec, processPort int, sink LogSink) (*ManagedProcess, error) {
	if err := ValidateProcessName(name); err != nil {
		return nil, err
	}
	if err := ValidateWorkingDir(spec.WorkingDir); err != nil {
		return nil, err
	}
	if err := ValidateEnv(spec.Env); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, edgeerr.New(edgeerr.ConfigError, "supervisor.no_command", "process backend requires a command", nil)
	}
	return &ManagedProcess{
		name:        name,
		spec:        spec,
		rp:          rp,
		probe:       probe,
		processPort: processPort,
		sink:        sink,
		state:       StateNotStarted,
		stateCh:     make(chan State, 1),
	}, nil
}

// MarkReady signals that an external readiness probe (internal/healthcheck)
// considers this process healthy, letting awaitReady return immediately
// instead of waiting out the full startup grace period. Safe to call any
// number of times, including when no spawn is currently pending.
func (m *ManagedProcess) MarkReady() {
	m.mu.Lock()
	ch := m.readyCh
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// awaitReady blocks in StateProbing until either MarkReady fires or the
// probe's startup grace period elapses, whichever comes first (spec §4.G:
// the Starting->Running transition is gated on readiness-probe success or
// the grace period elapsing). A process with no probe target (processPort
// 0) has nothing to wait on and is ready immediately.
func (m *ManagedProcess) awaitReady(ctx context.Context) bool {
	m.mu.Lock()
	ch := m.readyCh
	needsProbe := m.processPort > 0
	m.mu.Unlock()
	if !needsProbe {
		return true
	}
	grace := m.probe.StartupGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		log.Printf("WARN: process %s: no readiness probe confirmed healthy within %s, proceeding to running", m.name, grace)
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *ManagedProcess) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	select {
	case m.stateCh <- s:
	default:
		select {
		case <-m.stateCh:
		default:
		}
		select {
		case m.stateCh <- s:
		default:
		}
	}
}

// State returns the current lifecycle state.
func (m *ManagedProcess) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run drives the full supervise loop (spawn, wait, restart-on-exit) until
// ctx is canceled or the restart budget is exhausted. It returns only on
// terminal stop; callers run it in its own goroutine.
func (m *ManagedProcess) Run(ctx context.Context) error {
	for {
		m.setState(StateStarting)
		if err := m.spawn(ctx); err != nil {
			m.setState(StateFailing)
			m.recordRestart()
			if !m.withinBudget() {
				m.setState(StateStopped)
				return &edgeerr.RestartBudgetExhausted{Process: m.name}
			}
			if !m.sleepBackoff(ctx) {
				m.setState(StateStopped)
				return ctx.Err()
			}
			continue
		}

		m.setState(StateProbing)
		if !m.awaitReady(ctx) {
			m.setState(StateStopped)
			return ctx.Err()
		}

		m.setState(StateRunning)
		waitErr := m.cmd.Wait()

		m.mu.Lock()
		stopReq := m.stopRequested
		m.mu.Unlock()
		if stopReq {
			m.setState(StateStopped)
			return nil
		}

		if waitErr == nil {
			log.Printf("INFO: process %s exited cleanly", m.name)
		} else {
			log.Printf("WARN: process %s exited: %v", m.name, waitErr)
		}

		select {
		case <-ctx.Done():
			m.setState(StateStopped)
			return ctx.Err()
		default:
		}

		m.setState(StateFailing)
		m.recordRestart()
		if !m.withinBudget() {
			m.setState(StateStopped)
			return &edgeerr.RestartBudgetExhausted{Process: m.name}
		}
		m.setState(StateRestarting)
		if !m.sleepBackoff(ctx) {
			m.setState(StateStopped)
			return ctx.Err()
		}
	}
}

func (m *ManagedProcess) spawn(ctx context.Context) error {
	cmd := exec.Command(m.spec.Command, m.spec.Args...)
	cmd.Dir = m.spec.WorkingDir
	cmd.Env = envSlice(m.spec.Env)

	attr := &syscall.SysProcAttr{Setpgid: true}
	if m.spec.User != "" || m.spec.Group != "" {
		uid, gid, err := resolveCredential(m.spec.User, m.spec.Group)
		if err != nil {
			return err
		}
		attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	}
	cmd.SysProcAttr = attr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", m.name, err)
	}
	if err := applyResourceLimits(cmd.Process.Pid, m.spec); err != nil {
		log.Printf("WARN: could not apply resource limits to %s: %v", m.name, err)
	} else if m.spec.MaxRSSMB > 0 {
		log.Printf("INFO: %s pid %d capped at %s RSS", m.name, cmd.Process.Pid,
			humanize.Bytes(uint64(m.spec.MaxRSSMB)*1024*1024))
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stopRequested = false
	m.readyCh = make(chan struct{}, 1)
	m.mu.Unlock()

	if m.spec.Stdio.CaptureStdout {
		go m.captureStream("stdout", stdout)
	} else {
		go io.Copy(io.Discard, stdout)
	}
	if m.spec.Stdio.CaptureStderr {
		go m.captureStream("stderr", stderr)
	} else {
		go io.Copy(io.Discard, stderr)
	}
	return nil
}

func (m *ManagedProcess) captureStream(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if m.sink != nil {
			m.sink.Accept(LogLine{Process: m.name, Stream: stream, Line: scanner.Text(), Timestamp: time.Now().UTC()})
		}
	}
}

// Stop signals the process to exit, escalating from SIGTERM to SIGKILL if
// it has not exited within the restart policy's GracePeriod (spec §4.G).
func (m *ManagedProcess) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopRequested = true
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		m.setState(StateStopped)
		return nil
	}

	grace := m.rp.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	select {
	case <-done:
		m.setState(StateStopped)
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	_ = cmd.Process.Signal(syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	m.setState(StateStopped)
	return nil
}

// recordRestart appends a timestamp and evicts entries outside the
// restart window, matching spec §4.G's "N restarts within a sliding
// window" budget.
func (m *ManagedProcess) recordRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.restarts = append(m.restarts, now)
	window := m.rp.RestartWindow
	if window <= 0 {
		window = time.Minute
	}
	cutoff := now.Add(-window)
	kept := m.restarts[:0]
	for _, ts := range m.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.restarts = kept
}

func (m *ManagedProcess) withinBudget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := m.rp.MaxRestarts
	if max <= 0 {
		max = 5
	}
	return len(m.restarts) < max
}

func (m *ManagedProcess) sleepBackoff(ctx context.Context) bool {
	base := m.rp.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	maxB := m.rp.MaxBackoff
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	m.mu.Lock()
	n := len(m.restarts)
	m.mu.Unlock()
	d := base
	for i := 0; i < n && d < maxB; i++ {
		d *= 2
	}
	if d > maxB {
		d = maxB
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// applyResourceLimits sets per-process rlimits after spawn (spec §4.G:
// "Process.resource_limits"). Uses golang.org/x/sys/unix rather than
// syscall directly since Prlimit is only exposed there, matching the
// teacher's own use of x/sys/unix for privileged filesystem checks in
// internal/ecosystem.
func applyResourceLimits(pid int, spec config.SpawnSpec) error {
	if spec.MaxRSSMB <= 0 {
		return nil
	}
	lim := unix.Rlimit{
		Cur: uint64(spec.MaxRSSMB) * 1024 * 1024,
		Max: uint64(spec.MaxRSSMB) * 1024 * 1024,
	}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
}

var errUnknownUser = errors.New("supervisor: user/group lookup is not implemented for non-numeric names")

// resolveCredential resolves a process's run-as user/group. Only numeric
// uid/gid is supported directly here; name-based lookup is left to the
// operator to pre-resolve in configuration (spec Non-goals: no bundled
// NSS/user-database integration).
func resolveCredential(user, group string) (uid, gid uint32, err error) {
	u, uerr := parseUint32(user)
	g, gerr := parseUint32(group)
	if uerr != nil || gerr != nil {
		return 0, 0, errUnknownUser
	}
	return u, g, nil
}

func parseUint32(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	var v uint32
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not numeric: %s", s)
		}
		v = v*10 + uint32(r-'0')
	}
	return v, nil
}
