// Package scheduler decides when reconciliation sessions run. It owns the
// periodic timer, connectivity and manual triggers, exponential backoff
// after retryable failures, and the single-session guarantee: at most one
// session is in flight, and triggers arriving while one runs coalesce into
// a single pending re-run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Swappnil85/finsync/engine"
	syncErrors "github.com/Swappnil85/finsync/errors"
)

// State describes what the scheduler is currently doing.
type State string

const (
	// StateDisabled means the scheduler is not running sessions, either
	// because it was never started, was stopped, or is paused waiting for
	// re-authentication.
	StateDisabled State = "disabled"
	// StateWaiting means the loop is idle between sessions.
	StateWaiting State = "waiting"
	// StateRunning means a session is in flight.
	StateRunning State = "running"
)

// Runner executes one reconciliation session. *engine.Engine satisfies it.
type Runner interface {
	RunSession(ctx context.Context) (*engine.SessionResult, error)
}

var _ Runner = (*engine.Engine)(nil)

// Config holds scheduler tunables. Zero values fall back to defaults.
type Config struct {
	// Interval between timer-driven sessions.
	Interval time.Duration

	// BackoffBase is the first retry delay after a retryable failure.
	// Subsequent consecutive failures double it up to BackoffCeiling.
	BackoffBase time.Duration

	// BackoffCeiling caps the retry delay.
	BackoffCeiling time.Duration

	// ProtocolFailureCeiling is how many consecutive protocol failures are
	// tolerated before the scheduler reports a persistent failure state.
	ProtocolFailureCeiling int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = c.Interval
	}
	if c.ProtocolFailureCeiling <= 0 {
		c.ProtocolFailureCeiling = 5
	}
}

type triggerReason string

const (
	reasonTimer        triggerReason = "timer"
	reasonManual       triggerReason = "manual"
	reasonConnectivity triggerReason = "connectivity"
	reasonAuthRefresh  triggerReason = "auth_refresh"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler drives a Runner from timer ticks, connectivity changes, and
// manual triggers. All sessions execute on the scheduler's own goroutine,
// which is what enforces single-flight execution.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger *slog.Logger

	// trigger has capacity 1: a send while a run is pending or in
	// progress coalesces into the buffered slot and is dropped if the
	// slot is already taken.
	trigger chan triggerReason
	stop    chan struct{}
	done    chan struct{}

	stopOnce sync.Once

	mu            sync.Mutex
	state         State
	started       bool
	offline       bool
	pausedForAuth bool
	failures      int
	lastResult    *engine.SessionResult
	lastErr       error
	sessionCancel context.CancelFunc
}

// New builds a Scheduler around the given runner. Start must be called
// before any sessions run.
func New(runner Runner, cfg Config, opts ...Option) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		runner:  runner,
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
		trigger: make(chan triggerReason, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateDisabled,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the scheduling loop. It returns an error if the scheduler
// was already started or already stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	select {
	case <-s.stop:
		return fmt.Errorf("scheduler is stopped")
	default:
	}

	s.started = true
	s.state = StateWaiting
	go s.loop(ctx)
	s.logger.Info("scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("backoff_ceiling", s.cfg.BackoffCeiling))
	return nil
}

// Stop shuts the scheduler down. An in-flight session has its context
// cancelled; the engine honors that at the next batch boundary, so Stop
// blocks until the session reaches one and the loop exits. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		cancel := s.sessionCancel
		started := s.started
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-s.done
		}
		s.mu.Lock()
		s.state = StateDisabled
		s.mu.Unlock()
	})
}

// TriggerNow requests an immediate session, e.g. on app foregrounding or an
// explicit user action. Triggers while a session runs coalesce into a
// single pending re-run.
func (s *Scheduler) TriggerNow() {
	s.enqueue(reasonManual)
}

// NotifyConnectivity reports a connectivity transition. Going online
// resets the failure backoff and triggers a session; going offline
// suppresses timer-driven sessions until connectivity returns.
func (s *Scheduler) NotifyConnectivity(online bool) {
	s.mu.Lock()
	s.offline = !online
	if online {
		s.failures = 0
	}
	s.mu.Unlock()

	if online {
		s.enqueue(reasonConnectivity)
	}
}

// NotifyAuthRefreshed clears an authentication pause and triggers a
// session. Called by the authentication collaborator after a credential
// has been renewed.
func (s *Scheduler) NotifyAuthRefreshed() {
	s.mu.Lock()
	s.pausedForAuth = false
	s.failures = 0
	s.mu.Unlock()
	s.enqueue(reasonAuthRefresh)
}

// State returns the scheduler's current state. A scheduler paused for
// re-authentication reports StateDisabled.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pausedForAuth {
		return StateDisabled
	}
	return s.state
}

// Stats is a point-in-time snapshot for status surfaces.
type Stats struct {
	State               State
	PausedForAuth       bool
	ConsecutiveFailures int
	PersistentFailure   bool
	LastResult          *engine.SessionResult
	LastErr             error
}

// Stats returns a snapshot of scheduler health.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if s.pausedForAuth {
		st = StateDisabled
	}
	return Stats{
		State:               st,
		PausedForAuth:       s.pausedForAuth,
		ConsecutiveFailures: s.failures,
		PersistentFailure:   s.failures >= s.cfg.ProtocolFailureCeiling,
		LastResult:          s.lastResult,
		LastErr:             s.lastErr,
	}
}

func (s *Scheduler) enqueue(reason triggerReason) {
	select {
	case s.trigger <- reason:
	default:
		// Slot taken: an equivalent run is already pending.
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.C:
			s.mu.Lock()
			skip := s.offline || s.pausedForAuth
			s.mu.Unlock()
			if !skip {
				s.runOnce(ctx, reasonTimer)
			}
			timer.Reset(s.nextWait())
		case reason := <-s.trigger:
			s.mu.Lock()
			paused := s.pausedForAuth
			s.mu.Unlock()
			if paused && reason != reasonAuthRefresh {
				// Nothing to do until the credential is renewed.
				continue
			}
			s.runOnce(ctx, reason)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.nextWait())
		}
	}
}

// nextWait returns the delay before the next timer-driven session: the
// regular interval, or a capped exponential backoff while consecutive
// retryable failures accumulate. Trigger-driven sessions are never delayed;
// backoff only stretches the timer path.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()

	if failures == 0 {
		return s.cfg.Interval
	}
	delay := s.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCeiling {
			return s.cfg.BackoffCeiling
		}
	}
	if delay > s.cfg.BackoffCeiling {
		delay = s.cfg.BackoffCeiling
	}
	return delay
}

func (s *Scheduler) runOnce(ctx context.Context, reason triggerReason) {
	sessionCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.state = StateRunning
	s.sessionCancel = cancel
	s.mu.Unlock()

	res, err := s.runner.RunSession(sessionCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCancel = nil
	s.state = StateWaiting
	s.lastResult = res
	s.lastErr = err

	switch {
	case err == nil:
		s.failures = 0
		s.logger.Info("session completed",
			slog.String("trigger", string(reason)),
			slog.Int("pulled", res.Pulled),
			slog.Int("pushed", res.Pushed),
			slog.Int("conflicts", res.ConflictsRecorded),
			slog.Duration("duration", res.Duration))
	case syncErrors.IsAuth(err):
		s.pausedForAuth = true
		s.logger.Warn("session paused for re-authentication",
			slog.String("trigger", string(reason)),
			slog.Any("error", err))
	case syncErrors.IsRetryable(err):
		s.failures++
		level := slog.LevelWarn
		if syncErrors.IsProtocol(err) && s.failures >= s.cfg.ProtocolFailureCeiling {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "session failed, will retry",
			slog.String("trigger", string(reason)),
			slog.Int("consecutive_failures", s.failures),
			slog.Any("error", err))
	default:
		// Storage and validation failures are not retried by backoff; the
		// regular timer cadence continues and local operations stay
		// unaffected.
		s.logger.Error("session failed",
			slog.String("trigger", string(reason)),
			slog.Any("error", err))
	}
}
