// Package storage holds the optional Postgres-backed audit trail, grounded
// on the teacher's internal/storage/postgres.go connection-setup idiom
// (database/sql plus lib/pq, pool sized from config) with the ORM layer on
// top supplied by gorm.io/gorm — already a teacher dependency via
// internal/models' struct tags, here finally driving real queries instead of
// sitting inert — wrapping the lib/pq connection with gorm.io/driver/postgres
// (grounded on other_examples/manifests/BaSui01-agentflow's go.mod, the
// pack's own example of pairing gorm with a Postgres driver).
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sugardevspace/sugar-grok/internal/config"
	"github.com/sugardevspace/sugar-grok/internal/models"
)

// AuditStore persists terminal response envelopes to Postgres. A nil *gorm.DB
// (Postgres not configured) degrades every method to a no-op, so the
// dispatcher's audit path never depends on a database being present.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore opens the Postgres connection and runs the audit schema
// migration. It returns a usable no-op store, not an error, when
// cfg.Database is left unconfigured.
func NewAuditStore(cfg *config.Config) (*AuditStore, error) {
	if cfg.Database.Database == "" {
		return &AuditStore{}, nil
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.Database, cfg.Database.SSLMode,
	)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session: %w", err)
	}

	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}

	return &AuditStore{db: db}, nil
}

// Write records one terminal envelope, satisfying dispatcher.AuditWriter.
// Errors are logged, never returned: a failed audit write must not interrupt
// dispatch.
func (s *AuditStore) Write(requestID string, item *models.RequestItem, envelope models.ResponseEnvelope, cost float64) {
	if s.db == nil {
		return
	}

	record := models.AuditRecord{
		RequestID:    requestID,
		Provider:     envelope.Provider,
		Model:        envelope.Model,
		Status:       envelope.Status,
		FinishReason: envelope.FinishReason,
		ErrorMessage: envelope.Error,
		Cost:         cost,
		CreatedAt:    time.Now(),
	}
	if envelope.Usage != nil {
		record.PromptTokens = envelope.Usage.PromptTokens
		record.CompletionTokens = envelope.Usage.CompletionTokens
	}
	if len(envelope.TriedProviders) > 0 {
		record.TriedProviders = models.JSONMap{"providers": envelope.TriedProviders}
	}

	if err := s.db.Create(&record).Error; err != nil {
		log.Printf("storage: audit write failed for %s: %v", requestID, err)
	}
}

// Close releases the underlying connection pool. Safe to call on a no-op
// store.
func (s *AuditStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
