package store

import (
	"strings"

	"companionhub/pkg/domain"
)

// FilterKind selects which predicate a companion listing applies.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterSubject
	FilterTopicOrName
	FilterSubjectAndTopicOrName
)

// Filter is the companion-list predicate, built once by the caller and
// translated by each store into its own query form. Subject matches the
// subject column; Term matches topic OR name. All matches are
// case-insensitive substring matches.
type Filter struct {
	Kind    FilterKind
	Subject string
	Term    string
}

// Matches reports whether a companion satisfies the filter. Stores that
// cannot push the predicate down (the in-memory store) evaluate it with
// this; the SQL store translates it to LIKE clauses instead.
func (f Filter) Matches(c domain.Companion) bool {
	switch f.Kind {
	case FilterSubject:
		return containsFold(c.Subject, f.Subject)
	case FilterTopicOrName:
		return containsFold(c.Topic, f.Term) || containsFold(c.Name, f.Term)
	case FilterSubjectAndTopicOrName:
		return containsFold(c.Subject, f.Subject) &&
			(containsFold(c.Topic, f.Term) || containsFold(c.Name, f.Term))
	default:
		return true
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Store defines persistence operations for companions, bookmarks, and
// session history. Listing order is creation time descending unless
// noted. Bookmark mutations report whether they changed anything so the
// toggle can rely on single-statement atomicity instead of a separate
// existence check.
type Store interface {
	// companions
	SaveCompanion(domain.Companion) error
	GetCompanion(id string) (domain.Companion, bool, error)
	ListCompanions(f Filter, offset, limit int) ([]domain.Companion, error)
	ListCompanionsByAuthor(author string) ([]domain.Companion, error)
	CountCompanionsByAuthor(author string) (int, error)

	// bookmarks
	AddBookmark(userID, companionID string) (added bool, err error)
	RemoveBookmark(userID, companionID string) (removed bool, err error)
	HasBookmark(userID, companionID string) (bool, error)
	BookmarkedCompanionIDs(userID string) ([]string, error)
	ListBookmarkedCompanions(userID string) ([]domain.Companion, error)

	// session history (append-only)
	AppendSession(domain.SessionRecord) error
	ListRecentSessions(limit int) ([]domain.SessionWithCompanion, error)
	ListUserSessions(userID string, limit int) ([]domain.SessionWithCompanion, error)
}
