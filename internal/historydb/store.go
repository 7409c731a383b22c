package historydb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// AppendMessage writes a chat history row. The id is content-addressed, so
// re-delivery of the same message is a no-op rather than a duplicate row.
func (s *Store) AppendMessage(userID, sessionID, taskID, role, content string) (Message, error) {
	if s == nil || s.db == nil {
		return Message{}, errors.New("history store is not initialized")
	}
	role = strings.TrimSpace(role)
	content = strings.TrimSpace(content)
	if role == "" || content == "" {
		return Message{}, errors.New("role and content are required")
	}
	row := Message{
		MessageID: messageID(userID, sessionID, taskID, role, content),
		UserID:    strings.TrimSpace(userID),
		SessionID: strings.TrimSpace(sessionID),
		TaskID:    strings.TrimSpace(taskID),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&row).Error
	return row, err
}

// ListMessages returns history for a user ordered oldest-first, filtered to
// rows created strictly after since (zero means no filter).
func (s *Store) ListMessages(userID string, since time.Time, limit, offset int) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	query := s.db.Model(&Message{}).Order("created_at ASC, message_id ASC").Limit(limit).Offset(offset)
	if userID = strings.TrimSpace(userID); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if !since.IsZero() {
		query = query.Where("created_at > ?", since.UnixMilli())
	}
	rows := make([]Message, 0, limit)
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) RecordRun(taskID, userID, command string) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task_id is required")
	}
	row := TaskRun{
		RunID:     taskID,
		UserID:    strings.TrimSpace(userID),
		Command:   strings.TrimSpace(command),
		RunStatus: "running",
		StartedAt: time.Now().UnixMilli(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"run_status": "running",
			"started_at": row.StartedAt,
		}),
	}).Create(&row).Error
}

func (s *Store) FinishRun(taskID, status string, success bool, errText string) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task_id is required")
	}
	return s.db.Model(&TaskRun{}).Where("run_id = ?", taskID).Updates(map[string]any{
		"run_status":   strings.TrimSpace(status),
		"success":      success,
		"last_error":   strings.TrimSpace(errText),
		"completed_at": time.Now().UnixMilli(),
	}).Error
}

// ListRuns returns the most recent runs for a user, newest first.
func (s *Store) ListRuns(userID string, limit int) ([]TaskRun, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	query := s.db.Model(&TaskRun{}).Order("started_at DESC").Limit(limit)
	if userID = strings.TrimSpace(userID); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	rows := make([]TaskRun, 0, limit)
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func messageID(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(strings.TrimSpace(part)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
