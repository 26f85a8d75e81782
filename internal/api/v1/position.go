package v1

import (
	"fmt"
	"strings"
	"time"
)

// Document type discriminators carried in the "type" field of every stored document.
const (
	TypeGeoPosition    = "geoPosition"
	TypePublishGeohash = "publishGeohash"
	TypeProcessGeohash = "processGeohash"
)

// geohashAlphabet is the base32 alphabet geohashes are encoded with.
const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// PositionReport is one positional report of an entity.
// The owner is the reporting entity; the geohash is its position at full precision.
type PositionReport struct {
	// ID is the document id. Assigned on ingestion when the client leaves it empty.
	ID string `json:"_id,omitempty"`

	// Type must be "geoPosition". It is the only schema check applied to reports.
	Type string `json:"type"`

	// Owner identifies the entity (e.g. "boat:alice@example.com").
	Owner string `json:"owner"`

	// Geohash is the encoded position.
	Geohash string `json:"geohash"`

	// Date is when the position was taken. Defaults to the ingestion time.
	Date time.Time `json:"date"`
}

// Validate checks the type tag and the fields every aggregator depends on.
func (p *PositionReport) Validate() error {
	if p.Type != TypeGeoPosition {
		return fmt.Errorf("type must be %q, got %q", TypeGeoPosition, p.Type)
	}
	if strings.TrimSpace(p.Owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if !ValidGeohash(p.Geohash) {
		return fmt.Errorf("geohash %q is not a valid geohash", p.Geohash)
	}
	return nil
}

// ValidGeohash reports whether s is a non-empty string over the geohash alphabet.
func ValidGeohash(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(geohashAlphabet, r) {
			return false
		}
	}
	return true
}
