package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/kartei-app/kartei/internal/review"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kartei.db")

	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}

	for _, table := range []string{"users", "decks", "cards", "review_events", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillDueDates).Take(&record).Error; err != nil {
		t.Fatalf("backfill migration not recorded: %v", err)
	}
}

func TestMigrationsRunOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kartei.db")

	first, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	var before migrationRecord
	if err := first.Where("name = ?", migrationBackfillDueDates).Take(&before).Error; err != nil {
		t.Fatalf("backfill migration not recorded: %v", err)
	}
	sqlDB, err := first.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql.DB: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	second, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopening database returned error: %v", err)
	}
	var after migrationRecord
	if err := second.Where("name = ?", migrationBackfillDueDates).Take(&after).Error; err != nil {
		t.Fatalf("backfill migration record lost: %v", err)
	}
	if after.AppliedAtSeconds != before.AppliedAtSeconds {
		t.Fatal("migration must not re-run on reopen")
	}

	var count int64
	if err := second.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, found %d", count)
	}
}

func TestBackfillCardDueDates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kartei.db")

	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}

	if err := db.Create(&review.Deck{DeckID: "deck-1", Name: "Imported"}).Error; err != nil {
		t.Fatalf("failed to seed deck: %v", err)
	}
	if err := db.Exec(
		"INSERT INTO cards (card_id, deck_id, front, back, interval_days, ease_factor, repetitions, next_due) VALUES (?, ?, ?, ?, 1, 2.5, 0, '')",
		"card-legacy", "deck-1", "front", "back",
	).Error; err != nil {
		t.Fatalf("failed to seed legacy card: %v", err)
	}

	if err := backfillCardDueDates(db); err != nil {
		t.Fatalf("backfill returned error: %v", err)
	}

	var due string
	if err := db.Raw("SELECT next_due FROM cards WHERE card_id = ?", "card-legacy").Scan(&due).Error; err != nil {
		t.Fatalf("failed to read back due date: %v", err)
	}
	if due == "" {
		t.Fatal("expected legacy card to receive a due date")
	}
}
