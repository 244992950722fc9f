package review

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeckCounts summarizes a deck's review load for status messaging. The
// due predicate matches NextCard's selection exactly.
type DeckCounts struct {
	Total        int64
	Due          int64
	NextDueAfter *time.Time
}

// NextCard picks the card to present next, or nil when nothing qualifies.
//
// With scheduling rights the selection is restricted to cards due on or
// before today, ordered by due date with a random tie-break. Without
// scheduling rights (a viewer of a shared deck) due dates are ignored and
// a card is sampled uniformly at random: explicit practice mode, not an
// error.
func (s *Service) NextCard(ctx context.Context, deckID DeckID, decision Decision, today time.Time) (*Card, error) {
	if !decision.CanView {
		return nil, ErrPermissionDenied
	}

	query := s.db.WithContext(ctx).Where("deck_id = ?", deckID.String())
	if decision.CanSchedule {
		query = query.Where("next_due <= ?", DateOnly(today)).
			Order("next_due ASC, RANDOM()")
	} else {
		query = query.Order("RANDOM()")
	}

	var card Card
	err := query.Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opNextCard, "query_failed", err, zap.String("deck_id", deckID.String()))
		return nil, newServiceError(opNextCard, "query_failed", errors.Join(ErrStorage, err))
	}
	return &card, nil
}

// Counts reports the deck's total and due card counts plus the earliest
// future due date when nothing is due today.
func (s *Service) Counts(ctx context.Context, deckID DeckID, today time.Time) (DeckCounts, error) {
	cutoff := DateOnly(today)
	counts := DeckCounts{}

	db := s.db.WithContext(ctx)
	if err := db.Model(&Card{}).Where("deck_id = ?", deckID.String()).Count(&counts.Total).Error; err != nil {
		s.logError(opCounts, "total_failed", err, zap.String("deck_id", deckID.String()))
		return DeckCounts{}, newServiceError(opCounts, "total_failed", errors.Join(ErrStorage, err))
	}
	if err := db.Model(&Card{}).
		Where("deck_id = ? AND next_due <= ?", deckID.String(), cutoff).
		Count(&counts.Due).Error; err != nil {
		s.logError(opCounts, "due_failed", err, zap.String("deck_id", deckID.String()))
		return DeckCounts{}, newServiceError(opCounts, "due_failed", errors.Join(ErrStorage, err))
	}

	if counts.Due == 0 && counts.Total > 0 {
		var next Card
		err := db.Where("deck_id = ? AND next_due > ?", deckID.String(), cutoff).
			Order("next_due ASC").
			Take(&next).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCounts, "next_due_failed", err, zap.String("deck_id", deckID.String()))
			return DeckCounts{}, newServiceError(opCounts, "next_due_failed", errors.Join(ErrStorage, err))
		}
		if err == nil {
			due := DateOnly(next.NextDue)
			counts.NextDueAfter = &due
		}
	}

	return counts, nil
}
