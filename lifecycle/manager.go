// Package lifecycle supervises the worker process: spawn, handshake, idle
// shutdown, and crash-backoff restart. It owns the process handle and its
// protocol stream exclusively; callers only ever see the bound transport.
//
// State machine:
//
//	New → Spawning → Handshaking → Ready
//	Ready → IdleExpired | Crashed | ExplicitShutdown → Terminated
//	Terminated → New on next demand, unless the crash budget is exhausted,
//	which parks the manager in Disabled until an explicit Reset.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"fmbridge/message"
	"fmbridge/transport"
)

// Defaults. All overridable via Config.
const (
	DefaultMaxRestarts      = 3
	DefaultBackoffInitial   = 100 * time.Millisecond
	DefaultBackoffMax       = 5 * time.Second
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultIdleTimeout      = 5 * time.Minute
	gracefulStopTimeout     = time.Second
)

var (
	// ErrDisabled: the crash budget is exhausted; no spawn is attempted
	// until Reset.
	ErrDisabled = errors.New("lifecycle: worker disabled after repeated failures")
	// ErrSpawnFailed: the process could not be started or did not complete
	// the handshake.
	ErrSpawnFailed = errors.New("lifecycle: worker spawn failed")
	// ErrProtocolMismatch: the worker answered the handshake with an
	// unexpected protocol version and was killed.
	ErrProtocolMismatch = errors.New("lifecycle: worker protocol version mismatch")
	// ErrAlreadyManaged: another manager instance holds the worker lock.
	ErrAlreadyManaged = errors.New("lifecycle: worker already managed by another instance")
)

// State of the manager, for diagnostics.
type State int

const (
	StateNew State = iota
	StateSpawning
	StateHandshaking
	StateReady
	StateTerminated
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSpawning:
		return "spawning"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Config tunes the manager. Zero values take the defaults above.
type Config struct {
	MaxRestarts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	// LockPath, when set, is an exclusive lock file ensuring no two manager
	// instances supervise the same worker.
	LockPath string
	// TransportOptions are applied to every transport the manager binds.
	TransportOptions []transport.Option
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return cfg
}

// conn pairs a transport with the process it is bound to.
type conn struct {
	tr   *transport.ClientTransport
	proc Process
	// expectExit is set before the manager itself stops the process, so the
	// exit watcher does not count that exit as a crash.
	expectExit bool
	// settled closes once the exit watcher has collected the exit status
	// and, for crashes, charged it against the budget. GetConnection waits
	// on it before respawning over a dead connection.
	settled chan struct{}
}

// Manager owns one worker process at a time.
type Manager struct {
	spawner Spawner
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	conn      *conn
	crashes   int
	backoff   time.Duration
	idleTimer *time.Timer
	lock      *flock.Flock
}

// NewManager builds a manager. Nothing is spawned until GetConnection.
func NewManager(spawner Spawner, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		spawner: spawner,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		state:   StateNew,
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CrashCount reports consecutive failures since the last successful
// handshake.
func (m *Manager) CrashCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashes
}

// GetConnection returns a healthy transport to the worker, spawning and
// handshaking one if needed. Every successful call rearms the idle timer.
//
// After MaxRestarts consecutive failures it fails immediately with
// ErrDisabled and attempts no spawn; Reset clears that.
func (m *Manager) GetConnection(ctx context.Context) (*transport.ClientTransport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.conn != nil {
		if m.conn.tr.Healthy() {
			m.armIdleTimerLocked()
			return m.conn.tr, nil
		}
		// Dead connection. The exit watcher may still be collecting the
		// exit status; wait until it has charged a crash against the
		// budget, otherwise a prompt retry would respawn with no backoff
		// and the restart budget would never fill.
		c := m.conn
		m.mu.Unlock()
		select {
		case <-c.settled:
		case <-ctx.Done():
			m.mu.Lock()
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}

	if m.crashes >= m.cfg.MaxRestarts {
		m.state = StateDisabled
		return nil, fmt.Errorf("%w (%d consecutive failures)", ErrDisabled, m.crashes)
	}

	// Retry after a crash waits out the current backoff before spawning.
	if m.crashes > 0 {
		m.logger.Info("backing off before respawn",
			zap.Duration("delay", m.backoff), zap.Int("crashes", m.crashes))
		select {
		case <-time.After(m.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := m.acquireLockLocked(); err != nil {
		return nil, err
	}

	m.state = StateSpawning
	proc, err := m.spawner.Spawn(ctx)
	if err != nil {
		m.recordFailureLocked()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	m.state = StateHandshaking
	tr := transport.New(proc.Reader(), proc.Writer(), m.cfg.TransportOptions...)
	if err := m.handshake(ctx, tr); err != nil {
		proc.Kill()
		proc.Wait()
		m.recordFailureLocked()
		m.state = StateTerminated
		return nil, err
	}

	// Handshake success resets the crash budget and backoff: a later,
	// unrelated crash starts backoff from scratch.
	m.crashes = 0
	m.backoff = 0
	m.state = StateReady
	c := &conn{tr: tr, proc: proc, settled: make(chan struct{})}
	m.conn = c
	go m.watch(c)
	m.armIdleTimerLocked()
	m.logger.Info("worker ready", zap.Int("pid", proc.PID()))
	return tr, nil
}

// handshake pings the fresh worker and verifies the protocol version.
func (m *Manager) handshake(ctx context.Context, tr *transport.ClientTransport) error {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	var result message.PingResult
	if err := tr.Call(hctx, message.MethodPing, nil, &result); err != nil {
		return fmt.Errorf("%w: handshake: %v", ErrSpawnFailed, err)
	}
	if !result.OK || result.ProtocolVersion != message.ProtocolVersion {
		return fmt.Errorf("%w: worker reports version %d, expected %d",
			ErrProtocolMismatch, result.ProtocolVersion, message.ProtocolVersion)
	}
	return nil
}

// watch observes one connection until it dies and records whether the exit
// was a crash. Zero exits and manager-initiated stops are not crashes.
func (m *Manager) watch(c *conn) {
	<-c.tr.Done()

	m.mu.Lock()
	expected := c.expectExit
	m.mu.Unlock()
	if !expected {
		// The transport can die while the process lives (framing
		// violation). The connection is unrecoverable either way, so make
		// sure the process is gone before judging its exit status.
		c.proc.Kill()
	}
	exitErr := c.proc.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == c {
		m.conn = nil
		m.state = StateTerminated
	}
	// Charged even if the manager already let go of this conn: the budget
	// tracks consecutive abnormal exits, not which conn is current.
	if !c.expectExit && exitErr != nil {
		m.recordFailureLocked()
		m.logger.Warn("worker crashed",
			zap.Error(exitErr), zap.Int("crashes", m.crashes))
	}
	close(c.settled)
}

// recordFailureLocked bumps the crash counter and advances the backoff
// sequence: initial, doubling, capped.
func (m *Manager) recordFailureLocked() {
	m.crashes++
	if m.backoff == 0 {
		m.backoff = m.cfg.BackoffInitial
	} else {
		m.backoff *= 2
		if m.backoff > m.cfg.BackoffMax {
			m.backoff = m.cfg.BackoffMax
		}
	}
}

func (m *Manager) acquireLockLocked() error {
	if m.cfg.LockPath == "" || m.lock != nil {
		return nil
	}
	lock := flock.New(m.cfg.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("worker lock: %w", err)
	}
	if !ok {
		return ErrAlreadyManaged
	}
	m.lock = lock
	return nil
}

func (m *Manager) armIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, m.idleExpire)
}

// idleExpire shuts the worker down after a quiet period. The next
// GetConnection spawns fresh.
func (m *Manager) idleExpire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	m.logger.Info("idle timeout, stopping worker", zap.Int("pid", m.conn.proc.PID()))
	m.stopLocked()
}

// stopLocked gracefully stops the current worker, then force-kills it.
// Errors from the graceful path are ignored.
func (m *Manager) stopLocked() {
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	c.expectExit = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
		defer cancel()
		_ = c.tr.Call(ctx, message.MethodShutdown, nil, nil) // best effort
		c.proc.Kill()
		c.proc.Wait()
	}()
	m.state = StateTerminated
}

// Reset clears the crash budget and backoff so the next GetConnection may
// spawn again. This is the "explicit re-check" escape from Disabled.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashes = 0
	m.backoff = 0
	if m.state == StateDisabled {
		m.state = StateNew
	}
}

// Shutdown stops the worker and clears all manager state unconditionally.
// It returns once the worker process is gone and the lock file is released.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	c := m.conn
	m.stopLocked()
	m.crashes = 0
	m.backoff = 0
	m.state = StateTerminated
	m.mu.Unlock()

	// Hold the lock file until the exit watcher confirms the worker is
	// dead, so a successor manager cannot spawn alongside a dying one.
	if c != nil {
		<-c.settled
	}

	m.mu.Lock()
	if m.lock != nil {
		m.lock.Unlock()
		m.lock = nil
	}
	m.mu.Unlock()
}
