package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/aggregation"
)

var (
	// ErrNotFound is returned by Get when the document does not exist or was deleted.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by Put when the supplied revision is not the current one.
	ErrConflict = errors.New("document revision conflict")

	// ErrPermanent marks failures that retrying cannot fix (e.g. an unencodable body).
	ErrPermanent = errors.New("permanent store failure")
)

// Document is one revisioned entry of the document store.
type Document struct {
	ID        string
	Revision  string
	Type      string
	Body      json.RawMessage
	Deleted   bool
	UpdatedAt time.Time
}

// DocumentStore is a revision-versioned document store with optimistic concurrency.
type DocumentStore interface {
	// Get returns the current version of a document, or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// Put writes doc.Body under doc.ID. doc.Revision must be the current revision,
	// or empty when creating. Returns the new revision, or ErrConflict on mismatch.
	Put(ctx context.Context, doc Document) (string, error)
}

// ViewQuery selects grouped position counts over [StartKey, EndKey).
// Reports are indexed under [y, m, d, h, min, ...geohash[:LeafDepth], entity];
// reports coarser than LeafDepth are not indexed. Each group level truncates
// the key to that many elements.
type ViewQuery struct {
	StartKey    aggregation.WindowKey
	EndKey      aggregation.WindowKey
	LeafDepth   int
	GroupLevels []int
}

// ViewRow is one reduced row: a truncated view key and the number of reports under it.
type ViewRow struct {
	Key   []string
	Value int64
}

// ViewEngine runs grouped/reduced queries against the position index.
type ViewEngine interface {
	// QueryGroupedCounts returns rows for all requested group levels in ascending key
	// order, a shorter key sorting before any longer key it prefixes.
	QueryGroupedCounts(ctx context.Context, q ViewQuery) ([]ViewRow, error)
}

// ChangeFeed is a live feed of document changes starting "now".
type ChangeFeed interface {
	// Changes subscribes to the feed. The channel is closed when ctx is done or the
	// feed terminates.
	Changes(ctx context.Context) (<-chan v1.ChangeEvent, error)
}
