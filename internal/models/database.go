package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONMap is a generic JSONB column type, kept from the teacher's database
// layer for the AuditRecord's provider-specific extras column.
type JSONMap map[string]interface{}

func (j JSONMap) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &j)
}

// AuditRecord is the optional durable trail of terminal response envelopes.
// Writing it is best-effort: a nil *gorm.DB (Postgres not configured)
// degrades the audit writer to a no-op rather than failing the dispatch
// path.
type AuditRecord struct {
	ID               uint      `gorm:"primarykey" json:"id"`
	RequestID        string    `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	Provider         string    `gorm:"size:32;index" json:"provider"`
	Model            string    `gorm:"size:128" json:"model"`
	Status           string    `gorm:"size:16;index" json:"status"`
	FinishReason     string    `gorm:"size:32" json:"finish_reason"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	TriedProviders   JSONMap   `gorm:"type:jsonb" json:"tried_providers"`
	ErrorMessage     string    `gorm:"size:512" json:"error_message"`
	CreatedAt        time.Time `json:"created_at"`
}

// Migrate runs the audit schema migration. Safe to call with a nil db.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(&AuditRecord{})
}
