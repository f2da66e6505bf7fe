package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"companionhub/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&CompanionModel{}, &BookmarkModel{}, &SessionModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveCompanion inserts a companion row.
func (s *GormStore) SaveCompanion(c domain.Companion) error {
	model := companionToModel(c)
	return s.db.Create(&model).Error
}

// GetCompanion retrieves a companion by ID.
func (s *GormStore) GetCompanion(id string) (domain.Companion, bool, error) {
	var model CompanionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Companion{}, false, nil
		}
		return domain.Companion{}, false, err
	}
	return companionFromModel(model), true, nil
}

// ListCompanions returns a filtered page ordered by creation time,
// most recent first.
func (s *GormStore) ListCompanions(f Filter, offset, limit int) ([]domain.Companion, error) {
	var models []CompanionModel
	tx := applyFilter(s.db.Model(&CompanionModel{}), f).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit)
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return companionsFromModels(models), nil
}

// ListCompanionsByAuthor returns companions created by the given user.
func (s *GormStore) ListCompanionsByAuthor(author string) ([]domain.Companion, error) {
	var models []CompanionModel
	if err := s.db.Where("author = ?", author).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return companionsFromModels(models), nil
}

// CountCompanionsByAuthor returns the authoritative owned-companion count.
func (s *GormStore) CountCompanionsByAuthor(author string) (int, error) {
	var count int64
	if err := s.db.Model(&CompanionModel{}).Where("author = ?", author).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AddBookmark inserts a bookmark row. The composite primary key makes
// the insert idempotent; added is false when the pair already existed.
func (s *GormStore) AddBookmark(userID, companionID string) (bool, error) {
	model := BookmarkModel{
		UserID:      userID,
		CompanionID: companionID,
		CreatedAt:   time.Now().UTC(),
	}
	tx := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// RemoveBookmark deletes the bookmark row for the pair; removed is
// false when no row existed.
func (s *GormStore) RemoveBookmark(userID, companionID string) (bool, error) {
	tx := s.db.Delete(&BookmarkModel{}, "user_id = ? AND companion_id = ?", userID, companionID)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// HasBookmark checks existence of a bookmark pair. "No row" is a normal
// outcome, not an error.
func (s *GormStore) HasBookmark(userID, companionID string) (bool, error) {
	var model BookmarkModel
	err := s.db.First(&model, "user_id = ? AND companion_id = ?", userID, companionID).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// BookmarkedCompanionIDs returns the ids of companions the user has
// bookmarked, newest bookmark first.
func (s *GormStore) BookmarkedCompanionIDs(userID string) ([]string, error) {
	var ids []string
	err := s.db.Model(&BookmarkModel{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Pluck("companion_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListBookmarkedCompanions joins bookmarks to companions for the user,
// newest bookmark first.
func (s *GormStore) ListBookmarkedCompanions(userID string) ([]domain.Companion, error) {
	var models []CompanionModel
	err := s.db.Model(&CompanionModel{}).
		Joins("JOIN bookmarks ON bookmarks.companion_id = companions.id").
		Where("bookmarks.user_id = ?", userID).
		Order("bookmarks.created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return companionsFromModels(models), nil
}

// AppendSession records a session_history row.
func (s *GormStore) AppendSession(rec domain.SessionRecord) error {
	model := SessionModel{
		ID:          rec.ID,
		UserID:      rec.UserID,
		CompanionID: rec.CompanionID,
		Metadata:    datatypes.JSON(rec.Metadata),
		CreatedAt:   rec.CreatedAt,
	}
	return s.db.Create(&model).Error
}

// ListRecentSessions returns the latest sessions across all users with
// the referenced companion expanded.
func (s *GormStore) ListRecentSessions(limit int) ([]domain.SessionWithCompanion, error) {
	return s.listSessions(limit)
}

// ListUserSessions returns the latest sessions for one user with the
// referenced companion expanded.
func (s *GormStore) ListUserSessions(userID string, limit int) ([]domain.SessionWithCompanion, error) {
	return s.listSessions(limit, "user_id = ?", userID)
}

func (s *GormStore) listSessions(limit int, conds ...any) ([]domain.SessionWithCompanion, error) {
	var models []SessionModel
	tx := s.db.Preload("Companion").Order("created_at DESC").Limit(limit)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SessionWithCompanion, 0, len(models))
	for _, m := range models {
		res = append(res, domain.SessionWithCompanion{
			Session: domain.SessionRecord{
				ID:          m.ID,
				UserID:      m.UserID,
				CompanionID: m.CompanionID,
				Metadata:    json.RawMessage(m.Metadata),
				CreatedAt:   m.CreatedAt,
			},
			Companion: companionFromModel(m.Companion),
		})
	}
	return res, nil
}

func applyFilter(tx *gorm.DB, f Filter) *gorm.DB {
	switch f.Kind {
	case FilterSubject:
		return tx.Where("LOWER(subject) LIKE ?", likePattern(f.Subject))
	case FilterTopicOrName:
		p := likePattern(f.Term)
		return tx.Where("LOWER(topic) LIKE ? OR LOWER(name) LIKE ?", p, p)
	case FilterSubjectAndTopicOrName:
		p := likePattern(f.Term)
		return tx.Where("LOWER(subject) LIKE ? AND (LOWER(topic) LIKE ? OR LOWER(name) LIKE ?)",
			likePattern(f.Subject), p, p)
	default:
		return tx
	}
}

func likePattern(term string) string {
	return "%" + strings.ToLower(term) + "%"
}

func companionToModel(c domain.Companion) CompanionModel {
	return CompanionModel{
		ID:              c.ID,
		Name:            c.Name,
		Subject:         c.Subject,
		Topic:           c.Topic,
		Voice:           string(c.Voice),
		Style:           string(c.Style),
		DurationMinutes: c.DurationMinutes,
		Author:          c.Author,
		CreatedAt:       c.CreatedAt,
	}
}

func companionFromModel(m CompanionModel) domain.Companion {
	return domain.Companion{
		ID:              m.ID,
		Name:            m.Name,
		Subject:         m.Subject,
		Topic:           m.Topic,
		Voice:           domain.Voice(m.Voice),
		Style:           domain.Style(m.Style),
		DurationMinutes: m.DurationMinutes,
		Author:          m.Author,
		CreatedAt:       m.CreatedAt,
	}
}

func companionsFromModels(models []CompanionModel) []domain.Companion {
	res := make([]domain.Companion, 0, len(models))
	for _, m := range models {
		res = append(res, companionFromModel(m))
	}
	return res
}
