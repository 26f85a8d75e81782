package v1

import "time"

// SummaryDocument is the convergent "who is active, where" document.
// Exactly one non-obsolete summary exists per logical key; superseded ones are
// kept with Obsolete set.
type SummaryDocument struct {
	ID       string            `json:"_id"`
	Revision string            `json:"_rev,omitempty"`
	Owner    string            `json:"owner"`
	Type     string            `json:"type"`
	Date     time.Time         `json:"date"`
	Sum      int64             `json:"sum"`
	Boats    map[string]string `json:"boats"`
	Channels []string          `json:"channels,omitempty"`
	Obsolete bool              `json:"obsolete,omitempty"`

	// Key is the logical key the document converges under. With one document per
	// window the id changes every minute while the key stays the same.
	Key string `json:"-"`
}

// LogicalKey returns Key, falling back to ID.
func (d *SummaryDocument) LogicalKey() string {
	if d.Key != "" {
		return d.Key
	}
	return d.ID
}

// ProcessDocument subscribes an owner to the channels its summaries are routed to.
type ProcessDocument struct {
	ID       string   `json:"_id"`
	Revision string   `json:"_rev,omitempty"`
	Owner    string   `json:"owner"`
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// SummaryID returns the convergent summary document id of an owner.
func SummaryID(owner string) string {
	return owner + "/" + TypePublishGeohash
}

// WindowSummaryID returns the id of an owner's summary for one window.
func WindowSummaryID(owner, window string) string {
	return SummaryID(owner) + "/" + window
}

// ProcessID returns the id of an owner's channel subscription document.
func ProcessID(owner string) string {
	return owner + "/" + TypeProcessGeohash
}
