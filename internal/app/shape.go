package app

import "companionhub/pkg/domain"

// companionsFromSessions unwraps session join rows into the referenced
// companions, order preserved. Repeated sessions with the same
// companion stay repeated.
func companionsFromSessions(rows []domain.SessionWithCompanion) []domain.Companion {
	res := make([]domain.Companion, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.Companion)
	}
	return res
}

// annotateBookmarks sets Bookmarked on each companion by membership in
// the caller's bookmarked-id set.
func annotateBookmarks(companions []domain.Companion, bookmarkedIDs []string) []domain.Companion {
	set := make(map[string]struct{}, len(bookmarkedIDs))
	for _, id := range bookmarkedIDs {
		set[id] = struct{}{}
	}
	for i := range companions {
		_, ok := set[companions[i].ID]
		companions[i].Bookmarked = ok
	}
	return companions
}
