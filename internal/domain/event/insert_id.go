package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InsertID derives the Amplitude deduplication key for one stored event.
// Amplitude drops repeats of an insert_id seen within the past 7 days, so
// the value must be deterministic across retries of the same row.
func InsertID(eventID uint64, eventType, deviceID string) string {
	sum := sha256.Sum224(fmt.Appendf(nil, "%d.%s.%s", eventID, eventType, deviceID))
	return hex.EncodeToString(sum[:])
}
