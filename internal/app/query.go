package app

import (
	"fmt"
	"strings"

	"companionhub/internal/store"
)

// Defaults applied when a listing request leaves limit/page unset.
const (
	DefaultLimit = 10
	DefaultPage  = 1
)

// ListQuery is the caller-facing filter/pagination request for the
// companion catalog. Zero Limit/Page take the defaults; negative values
// are rejected before reaching the store.
type ListQuery struct {
	Subject string
	Topic   string
	Limit   int
	Page    int
}

// normalized applies defaults and fails fast on non-positive bounds.
func (q ListQuery) normalized() (ListQuery, error) {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Page == 0 {
		q.Page = DefaultPage
	}
	if q.Limit < 1 || q.Page < 1 {
		return q, fmt.Errorf("%w: limit and page must be >= 1", ErrInvalidArgument)
	}
	return q, nil
}

// filter builds the tagged predicate once from the inputs. The topic
// term also matches companion names; stores translate the variant into
// their own query form.
func (q ListQuery) filter() store.Filter {
	subject := strings.TrimSpace(q.Subject)
	topic := strings.TrimSpace(q.Topic)
	switch {
	case subject != "" && topic != "":
		return store.Filter{Kind: store.FilterSubjectAndTopicOrName, Subject: subject, Term: topic}
	case subject != "":
		return store.Filter{Kind: store.FilterSubject, Subject: subject}
	case topic != "":
		return store.Filter{Kind: store.FilterTopicOrName, Term: topic}
	default:
		return store.Filter{}
	}
}

// offset returns the zero-based start row. Page is 1-based, so page p
// covers rows [(p-1)*limit, p*limit-1].
func (q ListQuery) offset() int {
	return (q.Page - 1) * q.Limit
}
