package database

import (
	"errors"
	"time"

	"github.com/mesaj-chat/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillParticipantColumns = "2025-08-12_backfill_conversation_participants"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillParticipantColumns, apply: backfillParticipantColumns},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillParticipantColumns repairs conversation rows imported from the
// legacy export, where only the canonical id was stored. Participants are
// recomputed by splitting the id on its delimiter.
func backfillParticipantColumns(db *gorm.DB) error {
	var conversations []chat.Conversation
	if err := db.Where("participant_a = '' OR participant_b = ''").Find(&conversations).Error; err != nil {
		return err
	}
	for _, conversation := range conversations {
		first, second, err := chat.SplitConversationID(conversation.ConversationID)
		if err != nil {
			continue
		}
		err = db.Model(&chat.Conversation{}).
			Where("conversation_id = ?", conversation.ConversationID).
			Updates(map[string]interface{}{
				"participant_a": first,
				"participant_b": second,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
