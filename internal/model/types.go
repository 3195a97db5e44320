package model

import (
	"strings"
	"time"
)

// Table names used by storage and push scoping.
const (
	TableWinks    = "winks"
	TableMatches  = "matches"
	TableMessages = "messages"
)

// Tables lists every table in a stable order.
var Tables = []string{TableWinks, TableMatches, TableMessages}

// Record is implemented by every persisted row type.
//
// Field exposes the text columns that filters may reference (ids and
// foreign keys). Numeric and time columns are not filterable.
type Record interface {
	RecordID() string
	RecordTable() string
	Field(name string) (string, bool)
}

// Wink is a user-submitted observation of a place and time.
type Wink struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	RadiusMeters int       `json:"radius_meters"`
	ObservedAt   time.Time `json:"observed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (w Wink) RecordID() string    { return w.ID }
func (w Wink) RecordTable() string { return TableWinks }

func (w Wink) Field(name string) (string, bool) {
	switch name {
	case "id":
		return w.ID, true
	case "owner_id":
		return w.OwnerID, true
	}
	return "", false
}

// Match is a server-determined correspondence between two users' winks.
// UserA and UserB are an unordered pair.
type Match struct {
	ID        string    `json:"id"`
	WinkID    string    `json:"wink_id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Match) RecordID() string    { return m.ID }
func (m Match) RecordTable() string { return TableMatches }

func (m Match) Field(name string) (string, bool) {
	switch name {
	case "id":
		return m.ID, true
	case "wink_id":
		return m.WinkID, true
	case "user_a":
		return m.UserA, true
	case "user_b":
		return m.UserB, true
	}
	return "", false
}

// Involves reports whether userID is one of the two matched users.
func (m Match) Involves(userID string) bool {
	return userID != "" && (m.UserA == userID || m.UserB == userID)
}

// Counterparty returns the other user of the match, or "" if userID is not
// part of it.
func (m Match) Counterparty(userID string) string {
	switch userID {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}

// Message is one chat line inside a match.
type Message struct {
	ID        string    `json:"id"`
	MatchID   string    `json:"match_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) RecordID() string    { return m.ID }
func (m Message) RecordTable() string { return TableMessages }

func (m Message) Field(name string) (string, bool) {
	switch name {
	case "id":
		return m.ID, true
	case "match_id":
		return m.MatchID, true
	case "sender_id":
		return m.SenderID, true
	}
	return "", false
}

// WinkDraft is a wink before the server assigns id and createdAt.
type WinkDraft struct {
	OwnerID      string    `json:"owner_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	RadiusMeters int       `json:"radius_meters"`
	ObservedAt   time.Time `json:"observed_at"`
}

// MatchDraft is a match before the server assigns id and createdAt.
type MatchDraft struct {
	WinkID string `json:"wink_id"`
	UserA  string `json:"user_a"`
	UserB  string `json:"user_b"`
}

// MessageDraft is a message before the server assigns id and createdAt.
type MessageDraft struct {
	MatchID  string `json:"match_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// CompareWinks orders winks newest first, ties broken by id.
func CompareWinks(a, b Wink) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// CompareMatches orders matches newest first, ties broken by id.
func CompareMatches(a, b Match) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// CompareMessages orders messages by (createdAt, id) ascending.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
