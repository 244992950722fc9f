package review

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingUndo is the single-slot undo record produced by RecordReview.
// It carries the pre-mutation schedule snapshot and the ledger entry to
// remove. The zero value means nothing is pending.
type PendingUndo struct {
	CardID   CardID
	LedgerID string
	Prior    ScheduleState
}

// Empty reports whether the slot holds no undoable action.
func (p PendingUndo) Empty() bool {
	return p.LedgerID == ""
}

// Undo reverts the most recent recorded review: the card's schedule
// fields are restored to the pre-mutation snapshot and the ledger entry
// is deleted, atomically. The ledger delete is scoped to the acting
// identity; an event recorded by someone else is never removed.
//
// The pending record is consumed exactly once. Callers clear their slot
// on success; calling again with an empty slot yields ErrNothingToUndo.
func (s *Service) Undo(ctx context.Context, actor Actor, pending PendingUndo) (ScheduleState, error) {
	if pending.Empty() {
		return ScheduleState{}, ErrNothingToUndo
	}

	release := s.bindActor(actor.UserID)
	defer release()

	var restored ScheduleState
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event ReviewEvent
		err := tx.Where("event_id = ? AND user_id = ?", pending.LedgerID, actor.UserID.String()).
			Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Already undone, or the entry belongs to another identity.
			return ErrNothingToUndo
		}
		if err != nil {
			s.logError(opUndo, "ledger_select_failed", err, zap.String("event_id", pending.LedgerID))
			return newServiceError(opUndo, "ledger_select_failed", errors.Join(ErrStorage, err))
		}

		var card Card
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("card_id = ?", pending.CardID.String()).
			Take(&card).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opUndo, "card_select_failed", err, zap.String("card_id", pending.CardID.String()))
			return newServiceError(opUndo, "card_select_failed", errors.Join(ErrStorage, err))
		}

		updates := map[string]interface{}{
			"interval_days": pending.Prior.IntervalDays,
			"ease_factor":   pending.Prior.EaseFactor,
			"repetitions":   pending.Prior.Repetitions,
			"next_due":      pending.Prior.NextDue,
		}
		if err := tx.Model(&Card{}).Where("card_id = ?", card.CardID).Updates(updates).Error; err != nil {
			s.logError(opUndo, "card_restore_failed", err, zap.String("card_id", card.CardID))
			return newServiceError(opUndo, "card_restore_failed", errors.Join(ErrStorage, err))
		}

		deleted := tx.Where("event_id = ? AND user_id = ?", pending.LedgerID, actor.UserID.String()).
			Delete(&ReviewEvent{})
		if deleted.Error != nil {
			s.logError(opUndo, "ledger_delete_failed", deleted.Error, zap.String("event_id", pending.LedgerID))
			return newServiceError(opUndo, "ledger_delete_failed", errors.Join(ErrStorage, deleted.Error))
		}

		restored = pending.Prior
		return nil
	})

	if txErr != nil {
		return ScheduleState{}, txErr
	}

	s.logger.Info("review undone",
		zap.String("user_id", actor.UserID.String()),
		zap.String("card_id", pending.CardID.String()),
		zap.String("event_id", pending.LedgerID))
	return restored, nil
}
