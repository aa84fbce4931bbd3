package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimestampLayout is a fixed-width UTC layout so formatted timestamps sort
// lexically in the same order as chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the fixed layout, RFC 3339 with or without
// fractional seconds, and the space-separated form Postgres emits.
func ParseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	case string:
		for _, layout := range []string{TimestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05.999999Z07:00"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", ts)
	}
	return time.Time{}, fmt.Errorf("invalid timestamp type %T", v)
}

// StatusChange is the typed form of a change on interpreter_profiles.
type StatusChange struct {
	Kind        EventKind
	OwnerID     OwnerID
	Value       StatusValue
	TxID        TxID
	ConfirmedAt time.Time
}

// DecodeStatusChange validates a profiles event and extracts the status field.
func DecodeStatusChange(ev ChangeEvent) (StatusChange, error) {
	if ev.Table != TableProfiles {
		return StatusChange{}, fmt.Errorf("unexpected table %q", ev.Table)
	}
	key := ev.Key()
	if key == "" {
		return StatusChange{}, fmt.Errorf("status event without id")
	}
	sc := StatusChange{Kind: ev.Kind, OwnerID: OwnerID(key)}
	if ev.Kind == EventDelete {
		return sc, nil
	}
	raw, _ := ev.New[ColumnStatus].(string)
	value, err := ParseStatusValue(raw)
	if err != nil {
		return StatusChange{}, err
	}
	sc.Value = value
	if tx, ok := ev.New[ColumnStatusTx].(string); ok {
		sc.TxID = TxID(tx)
	}
	if at, err := ParseTimestamp(ev.New[ColumnStatusAt]); err == nil {
		sc.ConfirmedAt = at
	} else if at, err := ParseTimestamp(ev.CommitTimestamp); err == nil {
		sc.ConfirmedAt = at
	} else {
		sc.ConfirmedAt = time.Now()
	}
	return sc, nil
}

// MessageChange is the typed form of a change on chat_messages. Message is
// nil for deletes. An update may carry only the columns that changed; Has
// reports which ones it did.
type MessageChange struct {
	Kind    EventKind
	ID      MessageID
	Message *Message
	columns Record
}

// Has reports whether the event's record carried col.
func (mc MessageChange) Has(col string) bool {
	_, ok := mc.columns[col]
	return ok
}

func DecodeMessageChange(ev ChangeEvent) (MessageChange, error) {
	if ev.Table != TableMessages {
		return MessageChange{}, fmt.Errorf("unexpected table %q", ev.Table)
	}
	key := ev.Key()
	if key == "" {
		return MessageChange{}, fmt.Errorf("message event without id")
	}
	mc := MessageChange{Kind: ev.Kind, ID: MessageID(key)}
	if ev.Kind == EventDelete {
		mc.columns = ev.Old
		return mc, nil
	}
	msg, err := decodeMessage(ev.New, ev.Kind == EventUpdate)
	if err != nil {
		return MessageChange{}, err
	}
	mc.Message = msg
	mc.columns = ev.New
	return mc, nil
}

// DecodeMessage converts a chat_messages row into a Message.
func DecodeMessage(r Record) (*Message, error) {
	return decodeMessage(r, false)
}

// decodeMessage leaves Timestamp zero when partial is set and the row has
// no created_at.
func decodeMessage(r Record, partial bool) (*Message, error) {
	id, ok := r[ColumnID]
	if !ok || id == nil {
		return nil, fmt.Errorf("message without id")
	}
	var ts time.Time
	if v, ok := r[ColumnCreatedAt]; ok || !partial {
		t, err := ParseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("message %v: %w", id, err)
		}
		ts = t
	}
	msg := &Message{
		ID:          MessageID(fmt.Sprint(id)),
		ChannelID:   ChannelID(str(r[ColumnChannelID])),
		SenderID:    OwnerID(str(r[ColumnSenderID])),
		Content:     str(r[ColumnContent]),
		Timestamp:   ts,
		ClientNonce: str(r[ColumnClientNonce]),
	}
	if parent := str(r[ColumnParentID]); parent != "" {
		msg.ParentMessageID = MessageID(parent)
	}
	if err := decodeJSONField(r[ColumnReactions], &msg.Reactions); err != nil {
		return nil, fmt.Errorf("message %v reactions: %w", id, err)
	}
	for kind := range msg.Reactions {
		sort.Strings(msg.Reactions[kind])
	}
	if err := decodeJSONField(r[ColumnAttachments], &msg.Attachments); err != nil {
		return nil, fmt.Errorf("message %v attachments: %w", id, err)
	}
	return msg, nil
}

// DecodeSender converts a profiles row into a SenderProfile.
func DecodeSender(r Record) (SenderProfile, error) {
	id := str(r[ColumnID])
	if id == "" {
		return SenderProfile{}, fmt.Errorf("profile without id")
	}
	return SenderProfile{
		ID:          OwnerID(id),
		DisplayName: str(r[ColumnDisplayName]),
		AvatarURL:   str(r[ColumnAvatarURL]),
	}, nil
}

// decodeJSONField accepts either an already-decoded value or a JSON string
// and re-decodes it into dst.
func decodeJSONField(v any, dst any) error {
	if v == nil {
		return nil
	}
	var data []byte
	switch raw := v.(type) {
	case string:
		if raw == "" {
			return nil
		}
		data = []byte(raw)
	case []byte:
		data = raw
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		data = b
	}
	return json.Unmarshal(data, dst)
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
