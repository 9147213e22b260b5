package room

import (
	"time"

	"github.com/mcdev12/gavel/go/internal/models"
)

// Transition records one lifecycle phase change.
type Transition struct {
	From     models.Phase
	To       models.Phase
	Sequence int64
	At       time.Time
	Reason   string
}

var allowedTransitions = map[models.Phase][]models.Phase{
	models.PhaseScheduled: {models.PhaseLive, models.PhaseCancelled},
	models.PhaseLive:      {models.PhaseSettled, models.PhaseFailed, models.PhaseCancelled},
}

func canTransition(from, to models.Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// reconcile applies every transition that is due at now. The phase is computed from the clock
// rather than from which timer fired, so a late or lost wake still converges.
func (s *State) reconcile(now time.Time) []Transition {
	var out []Transition
	if s.Phase == models.PhaseScheduled && !now.Before(s.StartAt) {
		out = append(out, s.transition(models.PhaseLive, now, ""))
	}
	if s.Phase == models.PhaseLive && !now.Before(s.EndAt) {
		to := models.PhaseFailed
		if s.HasHolder() {
			to = models.PhaseSettled
		}
		out = append(out, s.transition(to, now, ""))
	}
	return out
}

func (s *State) cancel(now time.Time, reason string) (Transition, bool) {
	if !canTransition(s.Phase, models.PhaseCancelled) {
		return Transition{}, false
	}
	return s.transition(models.PhaseCancelled, now, reason), true
}

func (s *State) transition(to models.Phase, now time.Time, reason string) Transition {
	t := Transition{From: s.Phase, To: to, At: now, Reason: reason}
	s.Phase = to
	s.Sequence++
	if to.Terminal() {
		s.ClosedAt = now
		s.CloseReason = reason
	}
	t.Sequence = s.Sequence
	return t
}
