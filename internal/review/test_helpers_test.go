package review

import (
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Deck{}, &Card{}, &ReviewEvent{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, now time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return now },
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func seedDeck(t *testing.T, db *gorm.DB, deckID, name string, ownerID *string) Deck {
	t.Helper()
	deck := Deck{DeckID: deckID, Name: name, OwnerID: ownerID}
	if err := db.Create(&deck).Error; err != nil {
		t.Fatalf("failed to seed deck: %v", err)
	}
	return deck
}

func seedCard(t *testing.T, db *gorm.DB, cardID, deckID string, state ScheduleState) Card {
	t.Helper()
	card := Card{
		CardID:       cardID,
		DeckID:       deckID,
		Front:        "front of " + cardID,
		Back:         "back of " + cardID,
		IntervalDays: state.IntervalDays,
		EaseFactor:   state.EaseFactor,
		Repetitions:  state.Repetitions,
		NextDue:      state.NextDue,
	}
	if err := db.Create(&card).Error; err != nil {
		t.Fatalf("failed to seed card: %v", err)
	}
	return card
}

func reloadCard(t *testing.T, db *gorm.DB, cardID string) Card {
	t.Helper()
	var card Card
	if err := db.Where("card_id = ?", cardID).Take(&card).Error; err != nil {
		t.Fatalf("failed to reload card %s: %v", cardID, err)
	}
	return card
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&ReviewEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count review events: %v", err)
	}
	return count
}
