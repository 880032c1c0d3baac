package utils

import (
	"encoding/hex"
	"fmt"
)

func ConvertBytesToString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// NewEventID builds the canonical identifier for an event, used to key
// activities and to stamp entities with the event that last touched them.
func NewEventID(blockHeight uint64, eventIndex uint64) string {
	return fmt.Sprintf("%d-%d", blockHeight, eventIndex)
}
