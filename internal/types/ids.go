// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type OwnerID string
type ChannelID string
type MessageID string
type TxID string
type HandleID string

// tempPrefix marks message ids minted locally for optimistic sends.
const tempPrefix = "temp-"

func NewTxID() TxID {
	return TxID(uuid.New().String())
}

func NewHandleID() HandleID {
	return HandleID(uuid.New().String())
}

func NewTempMessageID() MessageID {
	return MessageID(tempPrefix + uuid.New().String())
}

func NewClientNonce() string {
	return uuid.New().String()
}

// IsTemp reports whether the id was minted locally and has not been
// confirmed by the server yet.
func (id MessageID) IsTemp() bool {
	return strings.HasPrefix(string(id), tempPrefix)
}
