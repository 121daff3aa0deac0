package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Correlation returns a random UUIDv4 suitable for correlating a published
// command with its acknowledgment.
func Correlation() string {
	return uuid.NewString()
}

// RecordID returns a ULID string. ULIDs sort lexicographically in creation
// order, which keeps the history compiler's record-ID tie-break stable for
// records sharing a timestamp.
func RecordID() string {
	return ulid.Make().String()
}
