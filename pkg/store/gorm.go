package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists intents and executions in PostgreSQL through gorm
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ Store         = (*GormStore)(nil)
	_ IntentManager = (*GormStore)(nil)
)

// Open connects to PostgreSQL using the given DSN
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return NewGormStore(db), nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
}

// NewGormStore wraps an opened gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates or updates the tables
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Intent{},
		&models.ExecutionRecord{},
		&models.SubmissionMarker{},
	)
}

// Ping checks database connectivity
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) ListDueIntents(ctx context.Context, cadence models.Cadence, now time.Time) ([]models.Intent, error) {
	cutoff := now.Add(-cadence.Interval())
	var items []models.Intent
	err := s.db.WithContext(ctx).
		Where("status = ? AND cadence = ?", models.IntentStatusActive, cadence).
		Where("last_executed_at IS NULL OR last_executed_at <= ?", cutoff).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due %s intents: %w", cadence, err)
	}
	return items, nil
}

func (s *GormStore) GetIntent(ctx context.Context, id string) (*models.Intent, error) {
	var intent models.Intent
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent %s: %w", id, err)
	}
	return &intent, nil
}

func (s *GormStore) RecordExecution(ctx context.Context, record *models.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(record).Error
	if isDuplicateKey(err) {
		return ErrDuplicateExecution
	}
	if err != nil {
		return fmt.Errorf("failed to record execution for intent %s: %w", record.IntentID, err)
	}
	return nil
}

func (s *GormStore) TouchLastExecuted(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.Intent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_executed_at": at,
			"updated_at":       s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update last execution of intent %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (s *GormStore) SaveSubmissionMarker(ctx context.Context, marker *models.SubmissionMarker) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(marker).Error
	if err != nil {
		return fmt.Errorf("failed to save submission marker for intent %s: %w", marker.IntentID, err)
	}
	return nil
}

func (s *GormStore) GetSubmissionMarker(ctx context.Context, intentID string) (*models.SubmissionMarker, error) {
	var marker models.SubmissionMarker
	err := s.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission marker for intent %s: %w", intentID, err)
	}
	return &marker, nil
}

func (s *GormStore) ClearSubmissionMarker(ctx context.Context, intentID string) error {
	err := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Delete(&models.SubmissionMarker{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear submission marker for intent %s: %w", intentID, err)
	}
	return nil
}

func (s *GormStore) CreateIntent(ctx context.Context, intent *models.Intent) error {
	if err := models.ValidateIntent(intent); err != nil {
		return err
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := s.now()
	intent.Account = models.NormalizeAccount(intent.Account)
	intent.Status = models.IntentStatusActive
	intent.CreatedAt = now
	intent.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

func (s *GormStore) SetIntentStatus(ctx context.Context, id, account string, status models.IntentStatus) (*models.Intent, error) {
	var updated *models.Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent models.Intent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&intent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrIntentNotFound
		}
		if err != nil {
			return err
		}
		if !intent.SameAccount(account) {
			return ErrNotOwner
		}
		if err := checkTransition(intent.Status, status); err != nil {
			return err
		}
		intent.Status = status
		intent.UpdatedAt = s.now()
		if err := tx.Model(&models.Intent{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     status,
			"updated_at": intent.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		updated = &intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, account string, limit int) ([]models.ExecutionRecord, error) {
	query := s.db.WithContext(ctx).Model(&models.ExecutionRecord{})
	if account = models.NormalizeAccount(account); account != "" {
		query = query.Where("account = ?", account)
	}
	var items []models.ExecutionRecord
	err := query.Order("executed_at DESC").Limit(normalizeLimit(limit, 100)).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return items, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}
