// internal/types/models.go
package types

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the mutation type carried by a ChangeEvent.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Record is a raw row as delivered by the data store.
type Record map[string]any

// Tables and columns consumed by the synchronization layer.
const (
	TableProfiles     = "interpreter_profiles"
	TableMessages     = "chat_messages"
	TableSenders      = "profiles"
	ColumnID          = "id"
	ColumnStatus      = "status"
	ColumnStatusTx    = "status_tx"
	ColumnStatusAt    = "status_updated_at"
	ColumnChannelID   = "channel_id"
	ColumnSenderID    = "sender_id"
	ColumnContent     = "content"
	ColumnParentID    = "parent_message_id"
	ColumnCreatedAt   = "created_at"
	ColumnReactions   = "reactions"
	ColumnAttachments = "attachments"
	ColumnClientNonce = "client_nonce"
	ColumnDisplayName = "display_name"
	ColumnAvatarURL   = "avatar_url"
)

// ChangeEvent is one observed mutation on a remote collection.
type ChangeEvent struct {
	Kind            EventKind `json:"type"`
	Table           string    `json:"table"`
	New             Record    `json:"record,omitempty"`
	Old             Record    `json:"old_record,omitempty"`
	CommitTimestamp string    `json:"commit_timestamp"`
}

// Key returns the identity key of the mutated row, preferring the new record.
func (e *ChangeEvent) Key() string {
	if v, ok := e.New[ColumnID]; ok && v != nil {
		return fmt.Sprint(v)
	}
	if v, ok := e.Old[ColumnID]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Identity is the deterministic dedup key: kind, row key and commit timestamp.
func (e *ChangeEvent) Identity() string {
	return string(e.Kind) + "|" + e.Key() + "|" + e.CommitTimestamp
}

// Filter is a single column predicate. Op is one of eq, in, lt, gt.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: "in", Value: values}
}

func Lt(column string, value any) Filter {
	return Filter{Column: column, Op: "lt", Value: value}
}

// String renders the filter in the hosted realtime syntax, e.g. "id=eq.42".
func (f Filter) String() string {
	if f.Op == "in" {
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(toStrings(f.Value), ","))
	}
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, f.Value)
}

// Match evaluates the predicate against a record. Values compare by their
// string form so numeric ids and string ids match alike.
func (f Filter) Match(r Record) bool {
	v, ok := r[f.Column]
	if !ok {
		return false
	}
	got := fmt.Sprint(v)
	switch f.Op {
	case "eq":
		return got == fmt.Sprint(f.Value)
	case "in":
		for _, want := range toStrings(f.Value) {
			if got == want {
				return true
			}
		}
		return false
	case "lt":
		return got < fmt.Sprint(f.Value)
	case "gt":
		return got > fmt.Sprint(f.Value)
	}
	return false
}

func toStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

// QueryOptions controls ordering and paging of a Query.
type QueryOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
}

// Topic names a logical change feed: a table, the kinds of interest and an
// optional row predicate.
type Topic struct {
	Table  string      `json:"table"`
	Kinds  []EventKind `json:"kinds,omitempty"`
	Filter *Filter     `json:"filter,omitempty"`
}

// Matches reports whether the event belongs to this topic.
func (t Topic) Matches(ev ChangeEvent) bool {
	if ev.Table != t.Table {
		return false
	}
	if len(t.Kinds) > 0 {
		found := false
		for _, k := range t.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if t.Filter == nil {
		return true
	}
	if ev.Kind == EventDelete {
		// Without full replica identity the old record carries only the
		// primary key. Let it through; consumers drop keys they do not hold.
		if _, ok := ev.Old[t.Filter.Column]; !ok {
			return true
		}
		return t.Filter.Match(ev.Old)
	}
	return t.Filter.Match(ev.New)
}

func (t Topic) String() string {
	var b strings.Builder
	b.WriteString(t.Table)
	if len(t.Kinds) > 0 {
		kinds := make([]string, len(t.Kinds))
		for i, k := range t.Kinds {
			kinds[i] = string(k)
		}
		b.WriteString("[" + strings.Join(kinds, ",") + "]")
	}
	if t.Filter != nil {
		b.WriteString("?" + t.Filter.String())
	}
	return b.String()
}

// StatusValue is an interpreter availability state.
type StatusValue string

const (
	StatusAvailable   StatusValue = "available"
	StatusBusy        StatusValue = "busy"
	StatusPaused      StatusValue = "paused"
	StatusUnavailable StatusValue = "unavailable"
)

func (v StatusValue) Valid() bool {
	switch v {
	case StatusAvailable, StatusBusy, StatusPaused, StatusUnavailable:
		return true
	}
	return false
}

// ParseStatusValue accepts any casing of the four availability states.
func ParseStatusValue(s string) (StatusValue, error) {
	v := StatusValue(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return v, nil
}

// EntityStatus is the locally materialized status of one owner.
type EntityStatus struct {
	OwnerID         OwnerID     `json:"owner_id"`
	Value           StatusValue `json:"value"`
	LastConfirmedAt time.Time   `json:"last_confirmed_at"`
	Pending         bool        `json:"pending"`
}

type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type Message struct {
	ID                MessageID           `json:"id"`
	ChannelID         ChannelID           `json:"channel_id"`
	SenderID          OwnerID             `json:"sender_id"`
	SenderDisplayName string              `json:"sender_display_name,omitempty"`
	SenderAvatarURL   string              `json:"sender_avatar_url,omitempty"`
	Content           string              `json:"content"`
	ParentMessageID   MessageID           `json:"parent_message_id,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
	Reactions         map[string][]string `json:"reactions,omitempty"`
	Attachments       []Attachment        `json:"attachments,omitempty"`
	ClientNonce       string              `json:"client_nonce,omitempty"`
	Pending           bool                `json:"pending,omitempty"`
}

// SenderProfile is the display identity of a message author.
type SenderProfile struct {
	ID          OwnerID `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarURL   string  `json:"avatar_url,omitempty"`
}
