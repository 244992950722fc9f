package review

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("review: invalid card id")
	// ErrInvalidDeckID indicates that a deck identifier is empty or exceeds storage bounds.
	ErrInvalidDeckID = errors.New("review: invalid deck id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("review: invalid user id")
)

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCardID, maxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// DeckID represents a validated deck identifier.
type DeckID string

// NewDeckID validates raw input and returns a DeckID.
func NewDeckID(rawInput string) (DeckID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeckID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeckID, maxIdentifierLength)
	}
	return DeckID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeckID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Deck groups cards. OwnerID is nil for shared decks, which are readable
// by everyone and schedule-free for non-admin users.
type Deck struct {
	DeckID    string    `gorm:"column:deck_id;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;size:320;not null"`
	OwnerID   *string   `gorm:"column:owner_id;size:190;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Deck) TableName() string {
	return "decks"
}

// Shared reports whether the deck has no owner.
func (d Deck) Shared() bool {
	return d.OwnerID == nil
}

// Card is a single learning item with its spaced-repetition state. The
// schedule columns are mutated only through Service.RecordReview and
// Service.Undo.
type Card struct {
	CardID       string    `gorm:"column:card_id;primaryKey;size:190;not null"`
	DeckID       string    `gorm:"column:deck_id;size:190;not null;index:idx_cards_deck_due,priority:1"`
	Front        string    `gorm:"column:front;type:text;not null"`
	Back         string    `gorm:"column:back;type:text;not null"`
	IntervalDays int       `gorm:"column:interval_days;not null;default:1"`
	EaseFactor   float64   `gorm:"column:ease_factor;not null;default:2.5"`
	Repetitions  int       `gorm:"column:repetitions;not null;default:0"`
	NextDue      time.Time `gorm:"column:next_due;index:idx_cards_deck_due,priority:2"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}

// Schedule extracts the card's scheduling state.
func (c Card) Schedule() ScheduleState {
	return ScheduleState{
		IntervalDays: c.IntervalDays,
		EaseFactor:   c.EaseFactor,
		Repetitions:  c.Repetitions,
		NextDue:      DateOnly(c.NextDue),
	}
}

// ReviewEvent is one row of the append-only review ledger. Rows are
// immutable; the only permitted deletion is the single most recent event
// for a session, performed by Service.Undo.
type ReviewEvent struct {
	EventID    string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_review_events_user_time,priority:1"`
	CardID     string    `gorm:"column:card_id;size:190;not null"`
	DeckID     string    `gorm:"column:deck_id;size:190;not null"`
	Grade      string    `gorm:"column:grade;size:16;not null"`
	ReviewedAt time.Time `gorm:"column:reviewed_at;not null;index:idx_review_events_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewEvent) TableName() string {
	return "review_events"
}
