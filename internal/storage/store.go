// Package storage is the sqlite-backed session registry. It survives
// orchestrator restarts and is the source of truth for session rows and
// transcript messages; live supervisor state is joined on top by the
// orchestrator.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/models"
)

// Store provides thread-safe ACID access to the session registry
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the registry database with WAL mode enabled
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Pragmas go on the DSN so every pooled connection gets them;
	// foreign_keys in particular is per-connection, and a connection
	// without it would skip the messages cascade
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: false, // avoid transaction conflicts
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Session{}); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to migrate sessions schema: %w", err)
		}
	}

	// Manually create messages (AutoMigrate has issues with foreign keys
	// in SQLite)
	if !db.Migrator().HasTable(&Message{}) {
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL DEFAULT '',
				timestamp DATETIME,
				created_at DATETIME,
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON UPDATE CASCADE ON DELETE CASCADE
			)
		`).Error; err != nil {
			return nil, fmt.Errorf("failed to create messages table: %w", err)
		}
		if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_message_session ON messages(session_id)`).Error; err != nil {
			return nil, fmt.Errorf("failed to index messages table: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{db: db}, nil
}

// Create inserts a new session row. A second row for the same worktree
// path fails with Conflict.
func (s *Store) Create(ctx context.Context, sess *models.Session) error {
	row := Session{
		ID:           sess.ID,
		WorktreeID:   sess.WorktreeID,
		WorktreePath: sess.WorktreePath,
		Status:       string(sess.Status),
		CreatedAt:    sess.CreatedAt,
	}
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	}, 3)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return apperr.Wrap(apperr.Conflict, err, "session already exists for worktree %s", sess.WorktreePath)
		}
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetByID returns the session row with the given ID
func (s *Store) GetByID(ctx context.Context, sid string) (*models.Session, error) {
	var row Session
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("id = ?", sid).First(&row).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "session %s not found", sid)
		}
		return nil, err
	}
	return rowToModel(row), nil
}

// GetByWorktreePath returns the session row bound to the given worktree
func (s *Store) GetByWorktreePath(ctx context.Context, path string) (*models.Session, error) {
	var row Session
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("worktree_path = ?", path).First(&row).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, "no session for worktree %s", path)
		}
		return nil, err
	}
	return rowToModel(row), nil
}

// UpdateStatus sets the status of a session row
func (s *Store) UpdateStatus(ctx context.Context, sid string, status models.SessionStatus) error {
	return withRetry(func() error {
		result := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", sid).Update("status", string(status))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.NotFound, "session %s not found", sid)
		}
		return nil
	}, 3)
}

// Delete removes a session row; its messages cascade
func (s *Store) Delete(ctx context.Context, sid string) error {
	return withRetry(func() error {
		result := s.db.WithContext(ctx).Where("id = ?", sid).Delete(&Session{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.New(apperr.NotFound, "session %s not found", sid)
		}
		return nil
	}, 3)
}

// ListAll returns every session row ordered by creation time
func (s *Store) ListAll(ctx context.Context) ([]models.Session, error) {
	var rows []Session
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error
	}, 3)
	if err != nil {
		return nil, err
	}
	sessions := make([]models.Session, len(rows))
	for i, row := range rows {
		sessions[i] = *rowToModel(row)
	}
	return sessions, nil
}

// AddMessage appends a transcript entry to a session. The session must
// exist; the foreign key rejects orphan messages.
func (s *Store) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	row := Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Type:      msg.Type,
		Timestamp: msg.Timestamp,
	}
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	}, 3)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return apperr.Wrap(apperr.NotFound, err, "session %s not found", msg.SessionID)
		}
		return fmt.Errorf("failed to add message to session %s: %w", msg.SessionID, err)
	}
	return nil
}

// MessagesOf returns the transcript of a session in chronological order
func (s *Store) MessagesOf(ctx context.Context, sid string) ([]models.Message, error) {
	var rows []Message
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("session_id = ?", sid).Order("timestamp ASC, id ASC").Find(&rows).Error
	}, 3)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, len(rows))
	for i, row := range rows {
		messages[i] = models.Message{
			ID:        row.ID,
			SessionID: row.SessionID,
			Role:      row.Role,
			Content:   row.Content,
			Type:      row.Type,
			Timestamp: row.Timestamp,
		}
	}
	return messages, nil
}

// ClearMessages drops the transcript of a session
func (s *Store) ClearMessages(ctx context.Context, sid string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Where("session_id = ?", sid).Delete(&Message{}).Error
	}, 3)
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry retries operations on SQLITE_BUSY with linear backoff
func withRetry(fn func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func rowToModel(row Session) *models.Session {
	return &models.Session{
		ID:           row.ID,
		WorktreeID:   row.WorktreeID,
		WorktreePath: row.WorktreePath,
		WindowName:   models.WindowName(row.ID),
		Status:       models.SessionStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		URL:          "/t/" + row.ID + "/",
	}
}
