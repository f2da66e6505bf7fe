package domain

import (
	"encoding/json"
	"time"
)

type Voice string

const (
	VoiceMale   Voice = "male"
	VoiceFemale Voice = "female"
)

type Style string

const (
	StyleFormal Style = "formal"
	StyleCasual Style = "casual"
)

// Plan and feature names granted by the identity provider.
const (
	PlanPro                = "pro"
	FeatureThreeCompanions = "3_companion_limit"
	FeatureTenCompanions   = "10_companion_limit"
)

// Companion is a learning agent in the directory. Author is always the
// identity of the creating user, set server-side at insert time.
type Companion struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Subject         string    `json:"subject"`
	Topic           string    `json:"topic"`
	Voice           Voice     `json:"voice"`
	Style           Style     `json:"style"`
	DurationMinutes int       `json:"duration"`
	Author          string    `json:"author"`
	Bookmarked      bool      `json:"isBookmarked"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SessionRecord is one append-only session_history row. Metadata is an
// opaque client-reported blob (voice-session stats and the like).
type SessionRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	CompanionID string          `json:"companionId"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SessionWithCompanion is the join wrapper returned by session-history
// queries: one session row with its referenced companion expanded.
type SessionWithCompanion struct {
	Session   SessionRecord
	Companion Companion
}

// Entitlements are the plan/feature flags attached to an identity.
type Entitlements struct {
	Plan     string   `json:"plan,omitempty"`
	Features []string `json:"features,omitempty"`
}

// HasFeature reports whether the named feature flag is granted.
func (e Entitlements) HasFeature(name string) bool {
	for _, f := range e.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Identity is the verified caller: subject plus entitlements extracted
// from the access token.
type Identity struct {
	UserID       string       `json:"userId"`
	Entitlements Entitlements `json:"entitlements"`
}
