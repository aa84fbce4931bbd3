package chat

import (
	"regexp"

	"github.com/user/interpsync/internal/types"
)

// Mention tokens look like @[Display Name](user-id).
var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\(([^)\s]+)\)`)

type Mention struct {
	Name   string
	UserID types.OwnerID
}

func ParseMentions(content string) []Mention {
	var out []Mention
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		out = append(out, Mention{Name: m[1], UserID: types.OwnerID(m[2])})
	}
	return out
}

// Mentions reports whether content mentions user.
func Mentions(content string, user types.OwnerID) bool {
	for _, m := range ParseMentions(content) {
		if m.UserID == user {
			return true
		}
	}
	return false
}

// PlainMentions replaces mention tokens with "@Name".
func PlainMentions(content string) string {
	return mentionPattern.ReplaceAllString(content, "@$1")
}
