package store

import (
	"sort"
	"sync"
	"time"

	"companionhub/pkg/domain"
)

// MemoryStore keeps all rows in-process. It backs tests and local runs
// without Postgres, and mirrors the SQL store's semantics: the bookmark
// pair is unique, mutations report whether they changed anything, and
// listings come back newest first.
type MemoryStore struct {
	mu         sync.RWMutex
	companions map[string]domain.Companion
	order      []string                        // companion ids in insertion order
	bookmarks  map[string]map[string]time.Time // user -> companion -> bookmarked at
	sessions   []domain.SessionRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companions: make(map[string]domain.Companion),
		bookmarks:  make(map[string]map[string]time.Time),
	}
}

// SaveCompanion stores a companion record.
func (m *MemoryStore) SaveCompanion(c domain.Companion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.companions[c.ID]; !exists {
		m.order = append(m.order, c.ID)
	}
	m.companions[c.ID] = c
	return nil
}

// GetCompanion retrieves a companion by ID.
func (m *MemoryStore) GetCompanion(id string) (domain.Companion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companions[id]
	return c, ok, nil
}

// ListCompanions returns a filtered page, most recent first.
func (m *MemoryStore) ListCompanions(f Filter, offset, limit int) ([]domain.Companion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]domain.Companion, 0, len(m.order))
	for _, id := range m.order {
		if c, ok := m.companions[id]; ok && f.Matches(c) {
			matched = append(matched, c)
		}
	}
	sortByCreatedDesc(matched)
	return page(matched, offset, limit), nil
}

// ListCompanionsByAuthor returns companions created by the given user.
func (m *MemoryStore) ListCompanionsByAuthor(author string) ([]domain.Companion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Companion, 0, len(m.order))
	for _, id := range m.order {
		if c, ok := m.companions[id]; ok && c.Author == author {
			res = append(res, c)
		}
	}
	sortByCreatedDesc(res)
	return res, nil
}

// CountCompanionsByAuthor returns the owned-companion count.
func (m *MemoryStore) CountCompanionsByAuthor(author string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.companions {
		if c.Author == author {
			count++
		}
	}
	return count, nil
}

// AddBookmark records a bookmark pair; added is false when it existed.
func (m *MemoryStore) AddBookmark(userID, companionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.bookmarks[userID]
	if !ok {
		byUser = make(map[string]time.Time)
		m.bookmarks[userID] = byUser
	}
	if _, exists := byUser[companionID]; exists {
		return false, nil
	}
	byUser[companionID] = time.Now().UTC()
	return true, nil
}

// RemoveBookmark deletes a bookmark pair; removed is false when absent.
func (m *MemoryStore) RemoveBookmark(userID, companionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUser, ok := m.bookmarks[userID]
	if !ok {
		return false, nil
	}
	if _, exists := byUser[companionID]; !exists {
		return false, nil
	}
	delete(byUser, companionID)
	return true, nil
}

// HasBookmark checks existence of a bookmark pair.
func (m *MemoryStore) HasBookmark(userID, companionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bookmarks[userID][companionID]
	return ok, nil
}

// BookmarkedCompanionIDs returns the user's bookmarked companion ids,
// newest bookmark first.
func (m *MemoryStore) BookmarkedCompanionIDs(userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byUser := m.bookmarks[userID]
	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return byUser[ids[i]].After(byUser[ids[j]])
	})
	return ids, nil
}

// ListBookmarkedCompanions returns the user's bookmarked companions,
// newest bookmark first.
func (m *MemoryStore) ListBookmarkedCompanions(userID string) ([]domain.Companion, error) {
	ids, err := m.BookmarkedCompanionIDs(userID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Companion, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.companions[id]; ok {
			res = append(res, c)
		}
	}
	return res, nil
}

// AppendSession records a session row.
func (m *MemoryStore) AppendSession(rec domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, rec)
	return nil
}

// ListRecentSessions returns the latest sessions across all users.
func (m *MemoryStore) ListRecentSessions(limit int) ([]domain.SessionWithCompanion, error) {
	return m.listSessions(limit, func(domain.SessionRecord) bool { return true })
}

// ListUserSessions returns the latest sessions for one user.
func (m *MemoryStore) ListUserSessions(userID string, limit int) ([]domain.SessionWithCompanion, error) {
	return m.listSessions(limit, func(rec domain.SessionRecord) bool { return rec.UserID == userID })
}

func (m *MemoryStore) listSessions(limit int, keep func(domain.SessionRecord) bool) ([]domain.SessionWithCompanion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.SessionWithCompanion, 0, limit)
	for i := len(m.sessions) - 1; i >= 0 && len(res) < limit; i-- {
		rec := m.sessions[i]
		if !keep(rec) {
			continue
		}
		res = append(res, domain.SessionWithCompanion{
			Session:   rec,
			Companion: m.companions[rec.CompanionID],
		})
	}
	return res, nil
}

func sortByCreatedDesc(companions []domain.Companion) {
	sort.SliceStable(companions, func(i, j int) bool {
		return companions[i].CreatedAt.After(companions[j].CreatedAt)
	})
}

func page(companions []domain.Companion, offset, limit int) []domain.Companion {
	if offset < 0 || offset >= len(companions) {
		return []domain.Companion{}
	}
	end := offset + limit
	if limit <= 0 || end > len(companions) {
		end = len(companions)
	}
	return companions[offset:end]
}
