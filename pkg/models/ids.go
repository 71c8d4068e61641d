package models

import "github.com/gofrs/uuid"

// NewID returns a random v4 UUID string. Ids of rooms, layouts, placements,
// planes and operations are all generated this way, client or server side.
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}
