package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPermissionDenied indicates the actor may not mutate the deck's items.
	ErrPermissionDenied = errors.New("review: permission denied")
	// ErrNotFound indicates the referenced card or deck does not exist.
	ErrNotFound = errors.New("review: not found")
	// ErrStorage indicates the atomic write failed to commit. The whole
	// call may be retried; nothing was applied.
	ErrStorage = errors.New("review: storage failure")
	// ErrNothingToUndo indicates the undo slot is empty or already consumed.
	ErrNothingToUndo = errors.New("review: nothing to undo")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

// ServiceError wraps a failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "review.service.new"
	opRecordReview = "review.record"
	opUndo         = "review.undo"
	opNextCard     = "review.next_card"
	opCounts       = "review.counts"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the review service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns all reads and writes of card scheduling state and the
// review ledger. Mutations are serialized through the actor binding:
// one acting identity is bound at a time, for the duration of its
// transaction, and released on every exit path.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	actorMu    sync.Mutex
	boundActor UserID
}

// NewService constructs the review service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Today returns the service clock's current UTC date.
func (s *Service) Today() time.Time {
	return DateOnly(s.clock())
}

// bindActor attaches the acting identity to the service for the duration
// of one mutation. The returned release function must run on every exit
// path; a failure mid-transaction must not leave a stale identity bound
// for an unrelated call.
func (s *Service) bindActor(id UserID) func() {
	s.actorMu.Lock()
	s.boundActor = id
	return func() {
		s.boundActor = ""
		s.actorMu.Unlock()
	}
}

// guardDeckMutation re-checks, inside the transaction, that the bound
// actor may mutate items of the given deck. This duplicates the caller's
// pre-check on purpose: the gate is enforced at the mutation boundary,
// not delegated to whatever the caller decided before the I/O hop.
func (s *Service) guardDeckMutation(actor Actor, deck Deck) error {
	if s.boundActor != actor.UserID {
		return ErrPermissionDenied
	}
	if !Authorize(actor, deck).CanMutateItems {
		return ErrPermissionDenied
	}
	return nil
}

// ReviewResult is the outcome of a recorded review.
type ReviewResult struct {
	State    ScheduleState
	LedgerID string
	Pending  PendingUndo
}

// RecordReview applies one graded review: authorization re-check, schedule
// computation, card update, and ledger append as a single atomic unit.
// Either both the card row and the ledger row are visible afterward or
// neither is.
//
// Callers race-grading the same card are not serialized against each
// other beyond last-write-wins; there is no optimistic versioning.
func (s *Service) RecordReview(ctx context.Context, cardID CardID, deckID DeckID, actor Actor, grade Grade, today time.Time) (ReviewResult, error) {
	release := s.bindActor(actor.UserID)
	defer release()

	var result ReviewResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deck Deck
		err := tx.Where("deck_id = ?", deckID.String()).Take(&deck).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opRecordReview, "deck_select_failed", err, zap.String("deck_id", deckID.String()))
			return newServiceError(opRecordReview, "deck_select_failed", errors.Join(ErrStorage, err))
		}

		if err := s.guardDeckMutation(actor, deck); err != nil {
			return err
		}

		var card Card
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("card_id = ? AND deck_id = ?", cardID.String(), deckID.String()).
			Take(&card).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opRecordReview, "card_select_failed", err, zap.String("card_id", cardID.String()))
			return newServiceError(opRecordReview, "card_select_failed", errors.Join(ErrStorage, err))
		}

		prior := card.Schedule()
		next := Compute(prior, grade, today)

		updates := map[string]interface{}{
			"interval_days": next.IntervalDays,
			"ease_factor":   next.EaseFactor,
			"repetitions":   next.Repetitions,
			"next_due":      next.NextDue,
		}
		if err := tx.Model(&Card{}).Where("card_id = ?", card.CardID).Updates(updates).Error; err != nil {
			s.logError(opRecordReview, "card_update_failed", err, zap.String("card_id", card.CardID))
			return newServiceError(opRecordReview, "card_update_failed", errors.Join(ErrStorage, err))
		}

		eventID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRecordReview, "id_generation_failed", err)
			return newServiceError(opRecordReview, "id_generation_failed", errors.Join(ErrStorage, err))
		}
		event := ReviewEvent{
			EventID:    eventID,
			UserID:     actor.UserID.String(),
			CardID:     card.CardID,
			DeckID:     deck.DeckID,
			Grade:      grade.String(),
			ReviewedAt: s.clock().UTC(),
		}
		if err := tx.Create(&event).Error; err != nil {
			s.logError(opRecordReview, "ledger_insert_failed", err, zap.String("card_id", card.CardID))
			return newServiceError(opRecordReview, "ledger_insert_failed", errors.Join(ErrStorage, err))
		}

		result = ReviewResult{
			State:    next,
			LedgerID: eventID,
			Pending: PendingUndo{
				CardID:   CardID(card.CardID),
				LedgerID: eventID,
				Prior:    prior,
			},
		}
		return nil
	})

	if txErr != nil {
		return ReviewResult{}, txErr
	}

	s.logger.Info("review recorded",
		zap.String("user_id", actor.UserID.String()),
		zap.String("card_id", cardID.String()),
		zap.String("grade", grade.String()),
		zap.Int("interval_days", result.State.IntervalDays))
	return result, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("review service error", attrs...)
}
