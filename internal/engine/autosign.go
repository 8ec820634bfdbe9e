package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler owns the live auto-sign timers. Acts only persist their
// deadline; the timer handle lives here, keyed by act id, so rejecting
// or signing an act can cancel the pending auto-signature.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	engine Engine
	log    zerolog.Logger
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		timers: map[string]*time.Timer{},
		log:    log,
	}
}

// Bind attaches the engine the scheduler drives when a timer fires.
// Call after assigning the scheduler as the engine's timer registry.
func (s *Scheduler) Bind(e Engine) {
	s.engine = e
}

// Schedule arms (or re-arms) the auto-sign timer for an act. A
// non-positive duration fires immediately.
func (s *Scheduler) Schedule(actID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[actID]; ok {
		t.Stop()
	}
	s.timers[actID] = time.AfterFunc(d, func() { s.fire(actID) })
}

// Cancel disarms the act's timer if one is pending.
func (s *Scheduler) Cancel(actID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[actID]; ok {
		t.Stop()
		delete(s.timers, actID)
	}
}

func (s *Scheduler) fire(actID string) {
	s.mu.Lock()
	delete(s.timers, actID)
	s.mu.Unlock()

	_, err := s.engine.AutoSign(context.Background(), actID)
	if err == nil {
		s.log.Info().Str("act_id", actID).Msg("auto-signed act at deadline")
		return
	}
	var rec ReconciliationError
	if errors.As(err, &rec) {
		// The signature landed; only the payout is stuck.
		s.log.Warn().Err(rec.Err).Str("act_id", actID).Str("milestone_id", rec.MilestoneID).
			Msg("auto-sign settlement pending reconciliation")
		return
	}
	s.log.Error().Err(err).Str("act_id", actID).Msg("auto-sign failed")
}

// Restore re-arms timers for every open act with an auto-sign deadline.
// Deadlines already in the past fire immediately. Returns how many
// timers were armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	acts, err := s.engine.Repo.ListActsAwaitingAutoSign(ctx)
	if err != nil {
		return 0, err
	}
	now := s.engine.now().UTC()
	n := 0
	for _, a := range acts {
		if a.AutoSignAt == nil {
			continue
		}
		deadline, err := time.Parse(time.RFC3339, *a.AutoSignAt)
		if err != nil {
			s.log.Error().Str("act_id", a.ID).Str("auto_sign_at", *a.AutoSignAt).Msg("unparseable auto-sign deadline")
			continue
		}
		s.Schedule(a.ID, deadline.Sub(now))
		n++
	}
	return n, nil
}

// Pending reports how many timers are currently armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer. Used at shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
