package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
)

// ErrRateLimitExceeded is returned when a slot cannot be granted within the caller's timeout
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

type Config struct {
	RequestsPerHour    int
	RequestsPerSession int
	SessionDuration    time.Duration
	Delays             Delays
	Clock              Clock
	Rand               Rand
}

// Slot describes one admission
type Slot struct {
	Session    int64
	Rotated    bool
	Delay      time.Duration
	AdmittedAt time.Time
}

// Scheduler decides when the next request may fire. Waiters are admitted one
// at a time through gate, in arrival order.
type Scheduler struct {
	mu       sync.Mutex
	window   *RateWindow
	session  Session
	sampler  *Sampler
	clock    Clock
	rotated  int64
	burstEvr int

	lastAdmit     time.Time
	nextGap       time.Duration
	cooldownUntil time.Time

	gate chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.RequestsPerHour < 1 {
		return nil, fmt.Errorf("requests per hour must be at least 1")
	}
	if cfg.RequestsPerSession < 1 {
		return nil, fmt.Errorf("requests per session must be at least 1")
	}
	if cfg.SessionDuration <= 0 {
		return nil, fmt.Errorf("session duration must be positive")
	}
	if cfg.Delays.MinDelay < 0 || cfg.Delays.MaxDelay < cfg.Delays.MinDelay {
		return nil, fmt.Errorf("invalid delay range %s..%s", cfg.Delays.MinDelay, cfg.Delays.MaxDelay)
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Scheduler{
		window:  NewRateWindow(time.Hour, cfg.RequestsPerHour),
		sampler: NewSampler(cfg.Delays, cfg.Rand),
		clock:   cfg.Clock,
		gate:    make(chan struct{}, 1),
	}
	s.burstEvr = s.sampler.BurstEvery(cfg.RequestsPerSession)
	s.session = Session{
		ID:           1,
		StartedAt:    s.clock.Now(),
		ExpiresAfter: cfg.SessionDuration,
		Limit:        cfg.RequestsPerSession,
	}

	log.Infof("Scheduler initialized: %d req/hour, %d req/session, session=%s, delay=%s..%s, burst every %d",
		cfg.RequestsPerHour, cfg.RequestsPerSession, cfg.SessionDuration,
		cfg.Delays.MinDelay, cfg.Delays.MaxDelay, s.burstEvr)

	return s, nil
}

// AwaitSlot blocks until the hourly window, the session and the sampled gap
// all allow another request. A positive timeout bounds the wait; when the slot
// cannot open within it, ErrRateLimitExceeded is returned without waiting.
// Cancellation of ctx returns ctx.Err().
func (s *Scheduler) AwaitSlot(ctx context.Context, timeout time.Duration) (Slot, error) {
	if err := ctx.Err(); err != nil {
		return Slot{}, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = s.clock.Now().Add(timeout)
	}

	if err := s.acquire(ctx, timeout); err != nil {
		return Slot{}, err
	}
	defer func() { <-s.gate }()

	// a rotation on an earlier pass still belongs to the slot finally admitted
	var rotated bool
	for {
		s.mu.Lock()
		now := s.clock.Now()
		if s.rotateIfTerminal(now) {
			rotated = true
		}

		readyAt := s.readyAt(now)
		if !readyAt.After(now) {
			slot := s.admit(now, rotated)
			s.mu.Unlock()
			return slot, nil
		}
		s.mu.Unlock()

		if !deadline.IsZero() && readyAt.After(deadline) {
			return Slot{}, fmt.Errorf("await slot: next slot at %s: %w", readyAt.Format(time.RFC3339), ErrRateLimitExceeded)
		}

		select {
		case <-ctx.Done():
			return Slot{}, ctx.Err()
		case <-s.clock.After(readyAt.Sub(now)):
		}
	}
}

// acquire takes the admission gate. The wait behind other workers is bounded by
// timeout in wall-clock time, not by the injected Clock: a queued waiter makes
// no progress of its own, so simulated time cannot advance it.
func (s *Scheduler) acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	default:
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case s.gate <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("await slot: queued behind other workers: %w", ErrRateLimitExceeded)
	}
}

// rotateIfTerminal must be called with mu held
func (s *Scheduler) rotateIfTerminal(now time.Time) bool {
	if !s.session.Terminal(now) {
		return false
	}

	reason := "duration"
	if s.session.RequestsIssued >= s.session.Limit {
		reason = "request limit"
	}
	log.WithFields(log.Fields{
		"session":  s.session.ID,
		"requests": s.session.RequestsIssued,
		"reason":   reason,
	}).Info("Session rotated")

	s.session = Session{
		ID:           s.session.ID + 1,
		StartedAt:    now,
		ExpiresAfter: s.session.ExpiresAfter,
		Limit:        s.session.Limit,
	}
	s.rotated++
	return true
}

// readyAt must be called with mu held
func (s *Scheduler) readyAt(now time.Time) time.Time {
	ready := s.window.NextFree(now)
	if !s.lastAdmit.IsZero() {
		if gap := s.lastAdmit.Add(s.nextGap); gap.After(ready) {
			ready = gap
		}
	}
	if s.cooldownUntil.After(ready) {
		ready = s.cooldownUntil
	}
	return ready
}

// admit must be called with mu held
func (s *Scheduler) admit(now time.Time, rotated bool) Slot {
	slot := Slot{
		Session:    s.session.ID,
		Rotated:    rotated,
		Delay:      s.nextGap,
		AdmittedAt: now,
	}

	s.window.Record(now)
	s.session.RequestsIssued++
	s.lastAdmit = now

	s.nextGap = s.sampler.Next()
	if s.session.RequestsIssued%s.burstEvr == 0 && s.sampler.d.BurstDelay > 0 {
		s.nextGap += s.sampler.d.BurstDelay
		log.WithFields(log.Fields{
			"session":  s.session.ID,
			"requests": s.session.RequestsIssued,
		}).Debugf("Burst pause of %s scheduled", s.sampler.d.BurstDelay)
	}

	return slot
}

// Cooldown pushes the next admission out by at least d
func (s *Scheduler) Cooldown(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.clock.Now().Add(d)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
		log.Infof("Scheduler cooling down for %s", d)
	}
}

// BurstDelay is the configured break length, used as the cooldown for target rate limiting
func (s *Scheduler) BurstDelay() time.Duration {
	return s.sampler.d.BurstDelay
}

func (s *Scheduler) Stats() types.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	return types.SchedulerStats{
		WindowCount:      s.window.Count(now),
		WindowLimit:      s.window.Limit(),
		WindowStart:      s.window.Start(now),
		Session:          s.session.ID,
		SessionStartedAt: s.session.StartedAt,
		SessionRequests:  s.session.RequestsIssued,
		SessionLimit:     s.session.Limit,
		SessionsRotated:  s.rotated,
		NextAdmissible:   s.readyAt(now),
	}
}
