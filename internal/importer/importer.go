// Package importer loads shared decks from CSV word lists. Rows are
// `front,back`; a leading header row is skipped, as are blank or
// incomplete rows and cards already present in the deck.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/kartei-app/kartei/internal/review"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAdminRequired indicates a non-admin actor attempted an import.
var ErrAdminRequired = errors.New("importer: admin required")

// Result summarizes one import run.
type Result struct {
	DeckID   review.DeckID
	Inserted int
	Skipped  int
}

// Importer creates shared decks from CSV input.
type Importer struct {
	db      *gorm.DB
	reviews *review.Service
	logger  *zap.Logger
}

// New constructs an Importer.
func New(db *gorm.DB, reviews *review.Service, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{db: db, reviews: reviews, logger: logger}
}

// ImportSharedDeck reads front/back pairs and inserts them into the
// shared deck with the given name, creating the deck when absent.
// Shared decks are admin territory, so the actor must be an admin.
func (imp *Importer) ImportSharedDeck(ctx context.Context, actor review.Actor, deckName string, input io.Reader) (Result, error) {
	if !actor.Admin {
		return Result{}, ErrAdminRequired
	}

	deck, err := imp.findOrCreateSharedDeck(ctx, actor, deckName)
	if err != nil {
		return Result{}, err
	}

	result := Result{DeckID: review.DeckID(deck.DeckID)}
	reader := csv.NewReader(input)
	reader.FieldsPerRecord = -1

	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if first {
			// A header row like "front,back" is not a card.
			first = false
			if looksLikeHeader(record) {
				continue
			}
		}
		if len(record) < 2 {
			continue
		}
		front := strings.TrimSpace(record[0])
		back := strings.TrimSpace(record[1])
		if front == "" || back == "" {
			continue
		}

		exists, err := imp.cardExists(ctx, deck.DeckID, front, back)
		if err != nil {
			return Result{}, err
		}
		if exists {
			result.Skipped++
			continue
		}
		if _, err := imp.reviews.AddCard(ctx, actor, review.DeckID(deck.DeckID), front, back); err != nil {
			return Result{}, err
		}
		result.Inserted++
	}

	imp.logger.Info("shared deck imported",
		zap.String("deck", deckName),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (imp *Importer) findOrCreateSharedDeck(ctx context.Context, actor review.Actor, name string) (review.Deck, error) {
	var deck review.Deck
	err := imp.db.WithContext(ctx).
		Where("name = ? AND owner_id IS NULL", name).
		Take(&deck).Error
	if err == nil {
		return deck, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return review.Deck{}, err
	}
	return imp.reviews.CreateDeck(ctx, actor, name, true)
}

func (imp *Importer) cardExists(ctx context.Context, deckID, front, back string) (bool, error) {
	var count int64
	err := imp.db.WithContext(ctx).Model(&review.Card{}).
		Where("deck_id = ? AND front = ? AND back = ?", deckID, front, back).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func looksLikeHeader(record []string) bool {
	if len(record) < 2 {
		return false
	}
	front := strings.ToLower(strings.TrimSpace(record[0]))
	back := strings.ToLower(strings.TrimSpace(record[1]))
	return front == "front" && back == "back"
}
