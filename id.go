package dispatch

import "github.com/google/uuid"

// IDGenerator creates time-ordered identifiers for messages, attempts and ledger rows.
type IDGenerator func() (uuid.UUID, error)

// NewUUIDv7 is the default IDGenerator.
func NewUUIDv7() (uuid.UUID, error) {
	return uuid.NewV7()
}

// nextID never fails: a random v4 identifier is used when gen cannot produce one.
func nextID(gen IDGenerator) string {
	id, err := gen()
	if err != nil || id == uuid.Nil {
		return uuid.NewString()
	}

	return id.String()
}
