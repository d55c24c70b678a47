// Package story defines the domain record shared by the store, the offline
// queue and the remote gateway. Records cross package boundaries by value;
// no component hands out a pointer into its own state.
package story

import (
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// textPolicy strips all markup from user-supplied text fields.
var textPolicy = bluemonday.StrictPolicy()

// Record is a single story entry.
//
// Photo carries one of two representations: PhotoURL when the record came
// fresh from the remote service, PhotoBlob when the bytes were embedded for
// offline display or for a queued upload. A record with a blob and no URL
// is either not yet synced or was deliberately cached for offline use.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	PhotoBlob   []byte    `json:"photoBlob,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Sanitized returns a copy of the record with all markup stripped from the
// name and description. Applied once on the submit path, before the record
// reaches the store or the queue.
func (r Record) Sanitized() Record {
	r.Name = textPolicy.Sanitize(r.Name)
	r.Description = textPolicy.Sanitize(r.Description)
	return r
}
