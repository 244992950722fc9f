package review

import (
	"errors"
	"sync"
)

var (
	// ErrNoCardPresented indicates the session holds no card to act on.
	ErrNoCardPresented = errors.New("review: no card presented")
	// ErrNotRevealed indicates a grade was submitted before the answer
	// was shown. Grading an unseen card is rejected, not scheduled.
	ErrNotRevealed = errors.New("review: flip before rating")
)

type sessionPhase int

const (
	phaseIdle sessionPhase = iota
	phasePresented
	phaseRevealed
)

// Session tracks one interactive review cycle:
//
//	Idle -> Presented -> Revealed -> graded -> Idle
//
// plus the single-slot undo record. The slot is overwritten by each
// graded review and cleared by undoing; there is no history stack.
type Session struct {
	mu      sync.Mutex
	phase   sessionPhase
	card    *Card
	pending PendingUndo
}

// NewSession returns an idle session with an empty undo slot.
func NewSession() *Session {
	return &Session{}
}

// Present moves the session to the Presented phase with the given card.
// A nil card (nothing due) resets to Idle. The undo slot is untouched:
// presenting does not discard an undoable grade.
func (s *Session) Present(card *Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.card = card
	if card == nil {
		s.phase = phaseIdle
		return
	}
	s.phase = phasePresented
}

// Reveal flips the presented card so it may be graded.
func (s *Session) Reveal() (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseIdle || s.card == nil {
		return nil, ErrNoCardPresented
	}
	s.phase = phaseRevealed
	return s.card, nil
}

// Current returns the presented card, if any.
func (s *Session) Current() *Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card
}

// BeginGrade validates that grading is permitted from the current phase.
// Only a revealed card may be graded.
func (s *Session) BeginGrade() (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseIdle || s.card == nil {
		return nil, ErrNoCardPresented
	}
	if s.phase != phaseRevealed {
		return nil, ErrNotRevealed
	}
	return s.card, nil
}

// CompleteGrade records the undo slot for a successfully persisted
// review and returns the session to Idle. The previous slot, if any, is
// discarded: only the most recent grade can be undone.
func (s *Session) CompleteGrade(pending PendingUndo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pending
	s.card = nil
	s.phase = phaseIdle
}

// TakeUndo consumes the pending undo slot. The second consecutive call
// returns ErrNothingToUndo.
func (s *Session) TakeUndo() (PendingUndo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Empty() {
		return PendingUndo{}, ErrNothingToUndo
	}
	pending := s.pending
	s.pending = PendingUndo{}
	return pending, nil
}

// RestoreUndo puts a consumed slot back, used when the undo transaction
// failed and the action remains revertible.
func (s *Session) RestoreUndo(pending PendingUndo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Empty() {
		s.pending = pending
	}
}

// Abandon drops the current cycle before grading. No storage effect.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.card = nil
	s.phase = phaseIdle
}
