package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auction/room"
)

// SchedulerConfig holds lifecycle scheduler settings.
type SchedulerConfig struct {
	NumWorkers        int
	QueueSize         int
	ReconcileInterval time.Duration
	DriftTolerance    time.Duration
	TickTimeout       time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		NumWorkers:        4,
		QueueSize:         1024,
		ReconcileInterval: 15 * time.Second,
		DriftTolerance:    time.Second,
		TickTimeout:       5 * time.Second,
	}
}

type scheduledTimer struct {
	timer    clockwork.Timer
	deadline time.Time
	cancel   chan struct{}
}

// Scheduler drives auction phase transitions. It arms one timer per auction for its next
// deadline, and every wake asks the room to reconcile its phase against the clock, so a late or
// lost timer is corrected on the next wake or reconcile sweep.
type Scheduler struct {
	registry   *room.Registry
	clock      clockwork.Clock
	config     SchedulerConfig
	instanceID string

	activeTimers   map[string]*scheduledTimer
	fired          map[string]time.Time
	activeTimersMu sync.Mutex

	workCh     chan string
	inFlight   map[string]bool
	inFlightMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func NewScheduler(registry *room.Registry, clock clockwork.Clock, config SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = defaults.TickTimeout
	}
	return &Scheduler{
		registry:     registry,
		clock:        clock,
		config:       config,
		instanceID:   uuid.New().String()[:8],
		activeTimers: make(map[string]*scheduledTimer),
		fired:        make(map[string]time.Time),
		workCh:       make(chan string, config.QueueSize),
		inFlight:     make(map[string]bool),
		done:         make(chan struct{}),
	}
}

// Track asks the scheduler to reconcile an auction and arm its next deadline.
func (s *Scheduler) Track(auctionID string) {
	s.enqueue(auctionID)
}

// Cancel moves an auction to CANCELLED and drops its timer.
func (s *Scheduler) Cancel(ctx context.Context, auctionID, reason string) error {
	r, err := s.registry.Get(auctionID)
	if err != nil {
		return fmt.Errorf("cancel auction %q: %w", auctionID, err)
	}
	cancelled, err := r.Cancel(ctx, reason)
	if err != nil {
		return fmt.Errorf("cancel auction %q: %w", auctionID, err)
	}
	s.cancelTimer(auctionID)
	if !cancelled {
		log.Info().Str("auction_id", auctionID).Msg("auction already closed, cancellation ignored")
	}
	return nil
}

// Run processes wakes until ctx is done. Every reconcile interval all rooms are ticked and idle
// closed rooms are evicted.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Str("instance", s.instanceID).
		Int("workers", s.config.NumWorkers).
		Dur("reconcile_interval", s.config.ReconcileInterval).
		Msg("lifecycle scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	for i := 0; i < s.config.NumWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}
	defer func() {
		cancelWorkers()
		wg.Wait()
		s.shutdownTimers()
		log.Info().Str("instance", s.instanceID).Msg("lifecycle scheduler stopped")
	}()

	ticker := s.clock.NewTicker(s.config.ReconcileInterval)
	defer ticker.Stop()

	s.reconcileAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.reconcileAll()
			s.evictIdle(ctx)
		}
	}
}

func (s *Scheduler) reconcileAll() {
	for _, id := range s.registry.IDs() {
		s.enqueue(id)
	}
}

func (s *Scheduler) evictIdle(ctx context.Context) {
	for _, id := range s.registry.EvictIdle(ctx) {
		s.cancelTimer(id)
	}
}

func (s *Scheduler) enqueue(auctionID string) {
	s.inFlightMu.Lock()
	if s.inFlight[auctionID] {
		s.inFlightMu.Unlock()
		log.Debug().Str("auction_id", auctionID).Msg("skipping auction already queued")
		return
	}
	s.inFlight[auctionID] = true
	s.inFlightMu.Unlock()

	select {
	case s.workCh <- auctionID:
	default:
		s.inFlightMu.Lock()
		delete(s.inFlight, auctionID)
		s.inFlightMu.Unlock()
		log.Warn().Str("auction_id", auctionID).Msg("scheduler queue full, deferring to next reconcile")
	}
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case auctionID := <-s.workCh:
			s.process(ctx, auctionID)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, auctionID string) {
	s.inFlightMu.Lock()
	delete(s.inFlight, auctionID)
	s.inFlightMu.Unlock()

	if err := s.handleDue(ctx, auctionID); err != nil {
		log.Error().Err(err).Str("auction_id", auctionID).Str("instance", s.instanceID).Msg("failed to reconcile auction")
	}
}

// handleDue reconciles one room and arms its next deadline.
func (s *Scheduler) handleDue(ctx context.Context, auctionID string) error {
	due, fired := s.takeFired(auctionID)
	r, err := s.registry.Get(auctionID)
	if err != nil {
		s.cancelTimer(auctionID)
		return nil
	}

	tickCtx, cancel := context.WithTimeout(ctx, s.config.TickTimeout)
	defer cancel()
	res, err := r.Tick(tickCtx)
	if err != nil {
		if errors.Is(err, room.ErrRoomClosed) {
			s.cancelTimer(auctionID)
			return nil
		}
		return fmt.Errorf("tick: %w", err)
	}

	if len(res.Transitions) > 0 {
		s.checkDrift(auctionID, due, fired, res.Transitions)
	}
	if res.HasDeadline {
		s.schedule(auctionID, res.NextDeadline)
	} else {
		s.cancelTimer(auctionID)
	}
	return nil
}

// checkDrift logs transitions applied noticeably later than their deadline. due is the deadline
// of the timer that caused this wake, if one did. A sweep that beats the timer is measured
// against the deadline still armed.
func (s *Scheduler) checkDrift(auctionID string, due time.Time, fired bool, ts []room.Transition) {
	if !fired {
		due, fired = s.armed(auctionID)
	}

	last := ts[len(ts)-1]
	if !fired {
		if len(ts) > 1 || last.To.Terminal() {
			log.Info().
				Str("auction_id", auctionID).
				Str("phase", string(last.To)).
				Int("transitions", len(ts)).
				Msg("resolved overdue auction on reconcile")
		}
		return
	}
	if late := last.At.Sub(due); late > s.config.DriftTolerance {
		log.Warn().
			Str("auction_id", auctionID).
			Str("phase", string(last.To)).
			Time("deadline", due).
			Dur("late_by", late).
			Msg("scheduling drift detected")
	}
}

// schedule arms a one-shot timer for the auction's next deadline, replacing any earlier one.
func (s *Scheduler) schedule(auctionID string, deadline time.Time) {
	s.activeTimersMu.Lock()
	if existing, ok := s.activeTimers[auctionID]; ok && existing.deadline.Equal(deadline) {
		s.activeTimersMu.Unlock()
		return
	}
	s.activeTimersMu.Unlock()

	duration := deadline.Sub(s.clock.Now())
	if duration <= 0 {
		s.enqueue(auctionID)
		return
	}

	st := &scheduledTimer{
		timer:    s.clock.NewTimer(duration),
		deadline: deadline,
		cancel:   make(chan struct{}),
	}
	s.replaceTimer(auctionID, st)

	go func(id string, st *scheduledTimer) {
		select {
		case <-st.timer.Chan():
			if s.removeTimer(id, st) {
				s.enqueue(id)
			}
		case <-st.cancel:
		case <-s.done:
			stopAndDrainTimer(st.timer)
		}
	}(auctionID, st)

	log.Debug().
		Str("auction_id", auctionID).
		Time("deadline", deadline).
		Dur("duration", duration).
		Msg("scheduled auction deadline")
}

// replaceTimer atomically swaps the auction's timer, stopping the previous one.
func (s *Scheduler) replaceTimer(auctionID string, st *scheduledTimer) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if existing, ok := s.activeTimers[auctionID]; ok {
		stopAndDrainTimer(existing.timer)
		close(existing.cancel)
	}
	s.activeTimers[auctionID] = st
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func (s *Scheduler) cancelTimer(auctionID string) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if st, ok := s.activeTimers[auctionID]; ok {
		stopAndDrainTimer(st.timer)
		close(st.cancel)
		delete(s.activeTimers, auctionID)
		log.Debug().Str("auction_id", auctionID).Msg("cancelled auction timer")
	}
}

// removeTimer forgets a fired timer and remembers its deadline for the wake it causes. It reports
// false when the timer was already replaced or cancelled.
func (s *Scheduler) removeTimer(auctionID string, st *scheduledTimer) bool {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	cur, ok := s.activeTimers[auctionID]
	if !ok || cur != st {
		return false
	}
	delete(s.activeTimers, auctionID)
	s.fired[auctionID] = st.deadline
	return true
}

// takeFired returns and clears the deadline of the timer that last fired for an auction.
func (s *Scheduler) takeFired(auctionID string) (time.Time, bool) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	due, ok := s.fired[auctionID]
	delete(s.fired, auctionID)
	return due, ok
}

// armed returns the deadline currently armed for an auction.
func (s *Scheduler) armed(auctionID string) (time.Time, bool) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	st, ok := s.activeTimers[auctionID]
	if !ok {
		return time.Time{}, false
	}
	return st.deadline, true
}

func (s *Scheduler) shutdownTimers() {
	s.doneOnce.Do(func() { close(s.done) })

	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()
	for id, st := range s.activeTimers {
		stopAndDrainTimer(st.timer)
		delete(s.activeTimers, id)
	}
	clear(s.fired)
}
