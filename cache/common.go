package cache

import (
	"context"
	"fmt"
	"time"
)

// Record one cached item sighting. The payload is always the raw fetched
// payload; the record is overwritten on every sighting regardless of whether
// the payload changed.
type Record struct {
	// Timestamp is when the item was last seen, RFC3339
	Timestamp string `json:"timestamp"`
	// Payload is the item payload from the most recent poll
	Payload map[string]interface{} `json:"payload"`
}

// ItemCache durable store of item sightings keyed by (feed name, item id).
// PutAndGetPrevious is an atomic read-modify-write: it stores the new record
// and returns the record it replaced, or nil on first sight.
type ItemCache interface {
	PutAndGetPrevious(
		ctxt context.Context,
		feed, itemID string,
		timestamp time.Time,
		payload map[string]interface{},
	) (*Record, error)
	Close() error
}

// recordKey the storage key for an item sighting
func recordKey(feed, itemID string) string {
	return fmt.Sprintf("%s/%s", feed, itemID)
}
