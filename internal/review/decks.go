package review

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opFindDeck   = "review.find_deck"
	opListDecks  = "review.list_decks"
	opCreateDeck = "review.create_deck"
	opRenameDeck = "review.rename_deck"
	opDeleteDeck = "review.delete_deck"
	opAddCard    = "review.add_card"
)

var errMissingDeckName = errors.New("deck name is required")

// FindDeck loads a single deck.
func (s *Service) FindDeck(ctx context.Context, deckID DeckID) (Deck, error) {
	var deck Deck
	err := s.db.WithContext(ctx).Where("deck_id = ?", deckID.String()).Take(&deck).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Deck{}, ErrNotFound
	}
	if err != nil {
		s.logError(opFindDeck, "query_failed", err, zap.String("deck_id", deckID.String()))
		return Deck{}, newServiceError(opFindDeck, "query_failed", errors.Join(ErrStorage, err))
	}
	return deck, nil
}

// DeckSummary pairs a deck with its card count for listing.
type DeckSummary struct {
	Deck      Deck
	CardCount int64
}

// ListDecks returns the decks visible to the actor: every shared deck
// plus, for signed-in users, their own decks.
func (s *Service) ListDecks(ctx context.Context, actor Actor) ([]DeckSummary, error) {
	db := s.db.WithContext(ctx)

	var decks []Deck
	query := db.Order("created_at ASC")
	if actor.Anonymous() {
		query = query.Where("owner_id IS NULL")
	} else {
		query = query.Where("owner_id IS NULL OR owner_id = ?", actor.UserID.String())
	}
	if err := query.Find(&decks).Error; err != nil {
		s.logError(opListDecks, "query_failed", err)
		return nil, newServiceError(opListDecks, "query_failed", errors.Join(ErrStorage, err))
	}

	summaries := make([]DeckSummary, 0, len(decks))
	for _, deck := range decks {
		var count int64
		if err := db.Model(&Card{}).Where("deck_id = ?", deck.DeckID).Count(&count).Error; err != nil {
			s.logError(opListDecks, "count_failed", err, zap.String("deck_id", deck.DeckID))
			return nil, newServiceError(opListDecks, "count_failed", errors.Join(ErrStorage, err))
		}
		summaries = append(summaries, DeckSummary{Deck: deck, CardCount: count})
	}
	return summaries, nil
}

// CreateDeck creates a deck. A nil owner creates a shared deck, which
// only admins may do; otherwise the deck is owned by the actor.
func (s *Service) CreateDeck(ctx context.Context, actor Actor, name string, shared bool) (Deck, error) {
	if name == "" {
		return Deck{}, newServiceError(opCreateDeck, "missing_name", errMissingDeckName)
	}
	if actor.Anonymous() {
		return Deck{}, ErrPermissionDenied
	}
	if shared && !actor.Admin {
		return Deck{}, ErrPermissionDenied
	}

	deckID, err := s.idProvider.NewID()
	if err != nil {
		return Deck{}, newServiceError(opCreateDeck, "id_generation_failed", errors.Join(ErrStorage, err))
	}

	deck := Deck{DeckID: deckID, Name: name}
	if !shared {
		owner := actor.UserID.String()
		deck.OwnerID = &owner
	}
	if err := s.db.WithContext(ctx).Create(&deck).Error; err != nil {
		s.logError(opCreateDeck, "insert_failed", err, zap.String("name", name))
		return Deck{}, newServiceError(opCreateDeck, "insert_failed", errors.Join(ErrStorage, err))
	}
	return deck, nil
}

// RenameDeck renames a deck, restricted to its owner or an admin.
func (s *Service) RenameDeck(ctx context.Context, actor Actor, deckID DeckID, name string) error {
	if name == "" {
		return newServiceError(opRenameDeck, "missing_name", errMissingDeckName)
	}
	deck, err := s.FindDeck(ctx, deckID)
	if err != nil {
		return err
	}
	if !Authorize(actor, deck).CanMutateItems {
		return ErrPermissionDenied
	}
	if err := s.db.WithContext(ctx).Model(&Deck{}).
		Where("deck_id = ?", deckID.String()).
		Update("name", name).Error; err != nil {
		s.logError(opRenameDeck, "update_failed", err, zap.String("deck_id", deckID.String()))
		return newServiceError(opRenameDeck, "update_failed", errors.Join(ErrStorage, err))
	}
	return nil
}

// DeleteDeck removes a deck together with its cards and review events,
// restricted to its owner or an admin.
func (s *Service) DeleteDeck(ctx context.Context, actor Actor, deckID DeckID) error {
	deck, err := s.FindDeck(ctx, deckID)
	if err != nil {
		return err
	}
	if !Authorize(actor, deck).CanMutateItems {
		return ErrPermissionDenied
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deck_id = ?", deckID.String()).Delete(&ReviewEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("deck_id = ?", deckID.String()).Delete(&Card{}).Error; err != nil {
			return err
		}
		return tx.Where("deck_id = ?", deckID.String()).Delete(&Deck{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteDeck, "delete_failed", txErr, zap.String("deck_id", deckID.String()))
		return newServiceError(opDeleteDeck, "delete_failed", errors.Join(ErrStorage, txErr))
	}
	return nil
}

// AddCard inserts a card with the default schedule: due today, one-day
// interval, default ease, zero repetitions.
func (s *Service) AddCard(ctx context.Context, actor Actor, deckID DeckID, front, back string) (Card, error) {
	deck, err := s.FindDeck(ctx, deckID)
	if err != nil {
		return Card{}, err
	}
	if !Authorize(actor, deck).CanMutateItems {
		return Card{}, ErrPermissionDenied
	}

	cardID, err := s.idProvider.NewID()
	if err != nil {
		return Card{}, newServiceError(opAddCard, "id_generation_failed", errors.Join(ErrStorage, err))
	}

	schedule := NewScheduleState(s.clock())
	card := Card{
		CardID:       cardID,
		DeckID:       deck.DeckID,
		Front:        front,
		Back:         back,
		IntervalDays: schedule.IntervalDays,
		EaseFactor:   schedule.EaseFactor,
		Repetitions:  schedule.Repetitions,
		NextDue:      schedule.NextDue,
	}
	if err := s.db.WithContext(ctx).Create(&card).Error; err != nil {
		s.logError(opAddCard, "insert_failed", err, zap.String("deck_id", deck.DeckID))
		return Card{}, newServiceError(opAddCard, "insert_failed", errors.Join(ErrStorage, err))
	}
	return card, nil
}
