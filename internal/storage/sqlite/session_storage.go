package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// unixToTime converts Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}

// stageColumns maps a tracked stage to the item text column it produces and its status column
var stageColumns = map[models.Stage]struct {
	text   string
	status string
}{
	models.StageTranslation: {text: "translated_text", status: "translation_status"},
	models.StageDescription: {text: "description", status: "description_status"},
	models.StageImage:       {text: "", status: "image_status"},
}

// SessionStorage implements interfaces.DurableStore on SQLite
type SessionStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewSessionStorage creates a new session storage instance
func NewSessionStorage(db *SQLiteDB, logger arbor.ILogger) *SessionStorage {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

// CreateSession inserts the session if absent
func (s *SessionStorage) CreateSession(ctx context.Context, session *models.Session) (bool, error) {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = models.SessionStatusProcessing
	}

	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return false, err
	}

	result, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO sessions (id, total_items, status, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		session.ID, session.TotalItems, string(session.Status), nullString(session.Error), metadata,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetSession loads a session
func (s *SessionStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.getSession(ctx, s.db.DB(), sessionID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SessionStorage) getSession(ctx context.Context, q queryRower, sessionID string) (*models.Session, error) {
	var (
		session     models.Session
		status      string
		errText     sql.NullString
		metadata    sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)

	err := q.QueryRowContext(ctx, `
		SELECT id, total_items, status, error, metadata, created_at, updated_at, completed_at
		FROM sessions WHERE id = ?`, sessionID).
		Scan(&session.ID, &session.TotalItems, &status, &errText, &metadata, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	session.Status = models.SessionStatus(status)
	session.Error = errText.String
	session.CreatedAt = unixToTime(createdAt)
	session.UpdatedAt = unixToTime(updatedAt)
	if completedAt.Valid {
		t := unixToTime(completedAt.Int64)
		session.CompletedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to decode session metadata")
		}
	}

	return &session, nil
}

// ApplyStageResult writes one stage result inside a single session-scoped transaction
func (s *SessionStorage) ApplyStageResult(ctx context.Context, result *models.StageResult, totalHint int) error {
	columns, ok := stageColumns[result.Stage]
	if !ok {
		return fmt.Errorf("stage %q is not tracked", result.Stage)
	}

	hash, err := payloadHash(result)
	if err != nil {
		return err
	}

	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Ensure the session exists; a best-effort count never lowers a declared one
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, total_items, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_items = MAX(sessions.total_items, excluded.total_items),
			updated_at = excluded.updated_at`,
		result.SessionID, totalHint, string(models.SessionStatusProcessing), now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}

	// 2. Upsert the item, touching only the columns this stage owns
	item := result.Item
	var translated, description string
	switch result.Stage {
	case models.StageTranslation:
		translated = item.TranslatedName
	case models.StageDescription:
		description = item.Description
	}

	updateText := ""
	if columns.text != "" {
		updateText = fmt.Sprintf("%s = excluded.%s,", columns.text, columns.text)
	}

	statuses := map[string]string{
		"translation_status": string(models.ItemStatusPending),
		"description_status": string(models.ItemStatusPending),
		"image_status":       string(models.ItemStatusPending),
	}
	statuses[columns.status] = string(result.Status)

	query := fmt.Sprintf(`
		INSERT INTO menu_items (session_id, item_index, source_text, translated_text, category, description, price,
			translation_status, description_status, image_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, item_index) DO UPDATE SET
			source_text = CASE WHEN excluded.source_text <> '' THEN excluded.source_text ELSE menu_items.source_text END,
			category = CASE WHEN excluded.category <> '' THEN excluded.category ELSE menu_items.category END,
			price = CASE WHEN excluded.price <> '' THEN excluded.price ELSE menu_items.price END,
			%s
			%s = excluded.%s,
			updated_at = excluded.updated_at`, updateText, columns.status, columns.status)

	_, err = tx.ExecContext(ctx, query,
		result.SessionID, result.ItemIndex, item.Name, translated, item.Category, description, item.Price,
		statuses["translation_status"], statuses["description_status"], statuses["image_status"], now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert item %d: %w", result.ItemIndex, err)
	}

	// 3. Append the processing record
	record := result.Record()
	metadata, err := marshalMetadata(record.Metadata)
	if err != nil {
		return err
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO processing_records
			(session_id, item_index, stage, provider, latency_ms, fallback, metadata, payload_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.ItemIndex, string(record.Stage), record.Provider, record.LatencyMS,
		boolToInt(record.Fallback), metadata, hash, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append processing record: %w", err)
	}

	// 4. Append the generated image
	if image, ok := result.Image(); ok {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO generated_images
				(session_id, item_index, url, storage_key, prompt, provider, fallback, payload_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			image.SessionID, image.ItemIndex, image.URL, image.StorageKey, image.Prompt, image.Provider,
			boolToInt(image.Fallback), hash, createdAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to append generated image: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage result: %w", err)
	}
	return nil
}

// GetItems returns the items of a session ordered by index
func (s *SessionStorage) GetItems(ctx context.Context, sessionID string) ([]models.Item, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT session_id, item_index, source_text, translated_text, category, description, price,
			translation_status, description_status, image_status, created_at, updated_at
		FROM menu_items WHERE session_id = ? ORDER BY item_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		var (
			item                                              models.Item
			translationStatus, descriptionStatus, imageStatus string
			createdAt, updatedAt                              int64
		)
		if err := rows.Scan(&item.SessionID, &item.ItemIndex, &item.SourceText, &item.TranslatedText,
			&item.Category, &item.Description, &item.Price,
			&translationStatus, &descriptionStatus, &imageStatus, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.TranslationStatus = models.ItemStatus(translationStatus)
		item.DescriptionStatus = models.ItemStatus(descriptionStatus)
		item.ImageStatus = models.ItemStatus(imageStatus)
		item.CreatedAt = unixToTime(createdAt)
		item.UpdatedAt = unixToTime(updatedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetSessionDetail returns the session, its items and their images
func (s *SessionStorage) GetSessionDetail(ctx context.Context, sessionID string) (*models.SessionDetail, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	items, err := s.GetItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	images, err := s.getImages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Images = images[items[i].ItemIndex]
	}

	return &models.SessionDetail{Session: *session, Items: items}, nil
}

func (s *SessionStorage) getImages(ctx context.Context, sessionID string) (map[int][]models.GeneratedImage, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, session_id, item_index, url, storage_key, prompt, provider, fallback, created_at
		FROM generated_images WHERE session_id = ? ORDER BY item_index, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	images := make(map[int][]models.GeneratedImage)
	for rows.Next() {
		var (
			image     models.GeneratedImage
			fallback  int
			createdAt int64
		)
		if err := rows.Scan(&image.ID, &image.SessionID, &image.ItemIndex, &image.URL, &image.StorageKey,
			&image.Prompt, &image.Provider, &fallback, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		image.Fallback = fallback != 0
		image.CreatedAt = unixToTime(createdAt)
		images[image.ItemIndex] = append(images[image.ItemIndex], image)
	}
	return images, rows.Err()
}

// GetRecords returns the audit trail of a session in insertion order
func (s *SessionStorage) GetRecords(ctx context.Context, sessionID string) ([]models.ProcessingRecord, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, session_id, item_index, stage, provider, latency_ms, fallback, metadata, created_at
		FROM processing_records WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing records: %w", err)
	}
	defer rows.Close()

	var records []models.ProcessingRecord
	for rows.Next() {
		var (
			record    models.ProcessingRecord
			stage     string
			fallback  int
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.SessionID, &record.ItemIndex, &stage, &record.Provider,
			&record.LatencyMS, &fallback, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan processing record: %w", err)
		}
		record.Stage = models.Stage(stage)
		record.Fallback = fallback != 0
		record.CreatedAt = unixToTime(createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Int64("record_id", record.ID).Msg("Failed to decode processing record metadata")
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetProgress derives the progress snapshot from durable item status
func (s *SessionStorage) GetProgress(ctx context.Context, sessionID string) (*models.Progress, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var translation, description, image, fully sql.NullInt64
	err = s.db.DB().QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN translation_status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN description_status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN image_status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN translation_status = 'completed' AND description_status = 'completed'
				AND image_status = 'completed' THEN 1 ELSE 0 END)
		FROM menu_items WHERE session_id = ?`, sessionID).
		Scan(&translation, &description, &image, &fully)
	if err != nil {
		return nil, fmt.Errorf("failed to compute progress: %w", err)
	}

	progress := &models.Progress{
		SessionID:            sessionID,
		TotalItems:           session.TotalItems,
		TranslationCompleted: int(translation.Int64),
		DescriptionCompleted: int(description.Int64),
		ImageCompleted:       int(image.Int64),
		FullyCompleted:       int(fully.Int64),
		Status:               string(session.Status),
		Source:               "durable",
	}
	if session.TotalItems > 0 {
		progress.ProgressPercentage = float64(progress.FullyCompleted) / float64(session.TotalItems) * 100
		if progress.ProgressPercentage > 100 {
			progress.ProgressPercentage = 100
		}
	}
	return progress, nil
}

// CompleteSession marks the session completed once every declared item is fully completed
func (s *SessionStorage) CompleteSession(ctx context.Context, sessionID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := s.getSession(ctx, tx, sessionID)
	if err != nil {
		return false, err
	}

	switch session.Status {
	case models.SessionStatusCompleted:
		return true, nil
	case models.SessionStatusFailed:
		return false, nil
	}

	if session.TotalItems <= 0 {
		return false, nil
	}

	var fully int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM menu_items
		WHERE session_id = ? AND translation_status = 'completed'
			AND description_status = 'completed' AND image_status = 'completed'`, sessionID).Scan(&fully)
	if err != nil {
		return false, fmt.Errorf("failed to count completed items: %w", err)
	}

	if fully < session.TotalItems {
		return false, nil
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(models.SessionStatusCompleted), now, now, sessionID, string(models.SessionStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to complete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit session completion: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Int("total_items", session.TotalItems).Msg("Session completed")
	return true, nil
}

// FailSession marks a processing session failed, creating it when missing
func (s *SessionStorage) FailSession(ctx context.Context, sessionID string, totalHint int, reason string) error {
	now := time.Now().Unix()
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO sessions (id, total_items, status, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
		WHERE sessions.status = ?`,
		sessionID, totalHint, string(models.SessionStatusFailed), reason, now, now, now,
		string(models.SessionStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark session %s failed: %w", sessionID, err)
	}
	return nil
}

// ListStaleSessions returns sessions still processing that were created before olderThan
func (s *SessionStorage) ListStaleSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = ? AND created_at < ? ORDER BY created_at`,
		string(models.SessionStatusProcessing), olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes the session and everything it owns
func (s *SessionStorage) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Children first so the delete holds even on connections without foreign_keys
	if err := execAllArgs(ctx, tx, sessionID,
		"DELETE FROM generated_images WHERE session_id = ?",
		"DELETE FROM processing_records WHERE session_id = ?",
		"DELETE FROM menu_items WHERE session_id = ?",
	); err != nil {
		return fmt.Errorf("failed to delete session children: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return interfaces.ErrSessionNotFound
	}

	return tx.Commit()
}

// Close closes the database connection
func (s *SessionStorage) Close() error {
	return s.db.Close()
}

func execAllArgs(ctx context.Context, tx *sql.Tx, arg interface{}, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query, arg); err != nil {
			return err
		}
	}
	return nil
}

func marshalMetadata(metadata map[string]interface{}) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// payloadHash identifies a stage result so redelivery appends nothing new
func payloadHash(result *models.StageResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to hash stage result: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

var _ interfaces.DurableStore = (*SessionStorage)(nil)
