package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"companionhub/internal/revalidate"
	"companionhub/internal/store"
	"companionhub/internal/util"
	"companionhub/pkg/domain"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Revalidator revalidate.Revalidator
}

// App is the companion-directory core: catalog queries, bookmarking,
// session history, and quota-gated creation over one remote store.
// Every operation takes the caller identity explicitly; there is no
// ambient auth state.
type App struct {
	store store.Store
	reval revalidate.Revalidator
}

// New constructs the application, opening the Postgres store unless one
// is injected.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	reval := cfg.Revalidator
	if reval == nil {
		reval = revalidate.Noop{}
	}
	return &App{
		store: dataStore,
		reval: reval,
	}, nil
}

// ListCompanions returns a catalog page without bookmark annotation.
func (a *App) ListCompanions(q ListQuery) ([]domain.Companion, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}
	companions, err := a.store.ListCompanions(q.filter(), q.offset(), q.Limit)
	if err != nil {
		return nil, storeErr("list companions", err)
	}
	return companions, nil
}

// ListCompanionsForUser returns a catalog page with each companion
// annotated with the caller's bookmark membership. The page and the
// bookmark-id set are independent reads and are fetched concurrently.
func (a *App) ListCompanionsForUser(q ListQuery, userID string) ([]domain.Companion, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}
	var (
		companions []domain.Companion
		bookmarked []string
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		list, err := a.store.ListCompanions(q.filter(), q.offset(), q.Limit)
		if err != nil {
			return storeErr("list companions", err)
		}
		companions = list
		return nil
	})
	g.Go(func() error {
		ids, err := a.store.BookmarkedCompanionIDs(userID)
		if err != nil {
			return storeErr("list bookmark ids", err)
		}
		bookmarked = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return annotateBookmarks(companions, bookmarked), nil
}

// GetCompanion retrieves one companion by id.
func (a *App) GetCompanion(id string) (domain.Companion, error) {
	companion, ok, err := a.store.GetCompanion(id)
	if err != nil {
		return domain.Companion{}, storeErr("get companion", err)
	}
	if !ok {
		return domain.Companion{}, fmt.Errorf("%w: companion %s", ErrNotFound, id)
	}
	return companion, nil
}

// GetCompanionForUser retrieves one companion annotated with the
// caller's bookmark state.
func (a *App) GetCompanionForUser(id, userID string) (domain.Companion, error) {
	if userID == "" {
		return domain.Companion{}, ErrUnauthenticated
	}
	companion, err := a.GetCompanion(id)
	if err != nil {
		return domain.Companion{}, err
	}
	bookmarked, err := a.store.HasBookmark(userID, id)
	if err != nil {
		return domain.Companion{}, storeErr("check bookmark", err)
	}
	companion.Bookmarked = bookmarked
	return companion, nil
}

// CreateCompanionInput is the caller-supplied part of a new companion.
// Author is never accepted from the client.
type CreateCompanionInput struct {
	Name            string       `json:"name"`
	Subject         string       `json:"subject"`
	Topic           string       `json:"topic"`
	Voice           domain.Voice `json:"voice"`
	Style           domain.Style `json:"style"`
	DurationMinutes int          `json:"duration"`
}

func (in CreateCompanionInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidArgument)
	}
	if in.Voice != domain.VoiceMale && in.Voice != domain.VoiceFemale {
		return fmt.Errorf("%w: voice must be male or female", ErrInvalidArgument)
	}
	if in.Style != domain.StyleFormal && in.Style != domain.StyleCasual {
		return fmt.Errorf("%w: style must be formal or casual", ErrInvalidArgument)
	}
	if in.DurationMinutes < 1 {
		return fmt.Errorf("%w: duration must be >= 1 minute", ErrInvalidArgument)
	}
	return nil
}

// CreateCompanion validates input, enforces the quota gate, and inserts
// a companion authored by the caller.
func (a *App) CreateCompanion(id domain.Identity, in CreateCompanionInput) (domain.Companion, error) {
	if id.UserID == "" {
		return domain.Companion{}, ErrUnauthenticated
	}
	if err := in.validate(); err != nil {
		return domain.Companion{}, err
	}
	allowed, err := a.CanCreateCompanion(id)
	if err != nil {
		return domain.Companion{}, err
	}
	if !allowed {
		return domain.Companion{}, ErrQuotaExceeded
	}
	companion := domain.Companion{
		ID:              util.NewID(),
		Name:            strings.TrimSpace(in.Name),
		Subject:         strings.TrimSpace(in.Subject),
		Topic:           strings.TrimSpace(in.Topic),
		Voice:           in.Voice,
		Style:           in.Style,
		DurationMinutes: in.DurationMinutes,
		Author:          id.UserID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := a.store.SaveCompanion(companion); err != nil {
		return domain.Companion{}, storeErr("save companion", err)
	}
	a.revalidatePaths("/companions")
	return companion, nil
}

// ToggleBookmark flips the caller's bookmark for a companion and
// reports the resulting state. Both branches are single store
// statements guarded by the pair's uniqueness, so concurrent toggles
// cannot create duplicates.
func (a *App) ToggleBookmark(userID, companionID string) (bool, error) {
	if userID == "" {
		return false, ErrUnauthenticated
	}
	if strings.TrimSpace(companionID) == "" {
		return false, fmt.Errorf("%w: companion id is required", ErrInvalidArgument)
	}
	removed, err := a.store.RemoveBookmark(userID, companionID)
	if err != nil {
		return false, storeErr("remove bookmark", err)
	}
	bookmarked := false
	if !removed {
		if _, err := a.store.AddBookmark(userID, companionID); err != nil {
			return false, storeErr("add bookmark", err)
		}
		bookmarked = true
	}
	a.revalidatePaths("/companions", "/companions/"+companionID)
	return bookmarked, nil
}

// UserBookmarks returns the caller's bookmarked companions, newest
// bookmark first. Every returned companion is bookmarked by definition.
func (a *App) UserBookmarks(userID string) ([]domain.Companion, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	companions, err := a.store.ListBookmarkedCompanions(userID)
	if err != nil {
		return nil, storeErr("list bookmarked companions", err)
	}
	for i := range companions {
		companions[i].Bookmarked = true
	}
	return companions, nil
}

// UserCompanions returns companions authored by the caller.
func (a *App) UserCompanions(userID string) ([]domain.Companion, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	companions, err := a.store.ListCompanionsByAuthor(userID)
	if err != nil {
		return nil, storeErr("list authored companions", err)
	}
	return companions, nil
}

// RecordSession appends a session_history row for the caller.
func (a *App) RecordSession(userID, companionID string, metadata json.RawMessage) (domain.SessionRecord, error) {
	if userID == "" {
		return domain.SessionRecord{}, ErrUnauthenticated
	}
	if strings.TrimSpace(companionID) == "" {
		return domain.SessionRecord{}, fmt.Errorf("%w: companion id is required", ErrInvalidArgument)
	}
	rec := domain.SessionRecord{
		ID:          util.NewID(),
		UserID:      userID,
		CompanionID: companionID,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.AppendSession(rec); err != nil {
		return domain.SessionRecord{}, storeErr("append session", err)
	}
	return rec, nil
}

// RecentSessionCompanions returns the companions behind the latest
// sessions across all users, most recent session first.
func (a *App) RecentSessionCompanions(limit int) ([]domain.Companion, error) {
	limit, err := normalizeSessionLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := a.store.ListRecentSessions(limit)
	if err != nil {
		return nil, storeErr("list recent sessions", err)
	}
	return companionsFromSessions(rows), nil
}

// UserSessionCompanions returns the companions behind the caller's
// latest sessions, most recent session first.
func (a *App) UserSessionCompanions(userID string, limit int) ([]domain.Companion, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	limit, err := normalizeSessionLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := a.store.ListUserSessions(userID, limit)
	if err != nil {
		return nil, storeErr("list user sessions", err)
	}
	return companionsFromSessions(rows), nil
}

func normalizeSessionLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 {
		return 0, fmt.Errorf("%w: limit must be >= 1", ErrInvalidArgument)
	}
	return limit, nil
}

// revalidatePaths drops cached renders for the given routes. The
// mutation is already committed, so failures are logged, not returned.
func (a *App) revalidatePaths(paths ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, path := range paths {
		if err := a.reval.Revalidate(ctx, path); err != nil {
			slog.Warn("revalidate failed", "path", path, "err", err)
		}
	}
}
