package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSummaryNotFound is returned when the id does not name a summary document.
	ErrSummaryNotFound = errors.New("summary not found")

	// ErrInvalidQuery marks request validation errors that should return HTTP 400.
	ErrInvalidQuery = errors.New("invalid summary query")
)

// SummaryResponse is a stored summary plus how old it is.
type SummaryResponse struct {
	v1.SummaryDocument
	StalenessSeconds int `json:"staleness_seconds"`
}

// Service implements the summary read path. Concurrent reads of the same id
// share one store round trip.
type Service struct {
	store storage.DocumentStore
	nowFn func() time.Time
	reads singleflight.Group
}

func NewService(store storage.DocumentStore) *Service {
	return &Service{
		store: store,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// GetSummary returns the summary stored under id.
func (s *Service) GetSummary(ctx context.Context, id string) (*SummaryResponse, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: summary id is required", ErrInvalidQuery)
	}

	doc, err := s.fetch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSummaryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", id, err)
	}
	if doc.Type != v1.TypePublishGeohash {
		return nil, ErrSummaryNotFound
	}

	var summary v1.SummaryDocument
	if err := json.Unmarshal(doc.Body, &summary); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", id, err)
	}
	summary.ID = doc.ID
	summary.Revision = doc.Revision

	staleness := 0
	if !summary.Date.IsZero() {
		staleness = int(s.nowFn().Sub(summary.Date).Seconds())
		if staleness < 0 {
			staleness = 0
		}
	}
	return &SummaryResponse{SummaryDocument: summary, StalenessSeconds: staleness}, nil
}

// fetch reads id from the store, joining a read already in flight. The shared
// read is detached from the caller's cancellation so one client going away does
// not fail the others.
func (s *Service) fetch(ctx context.Context, id string) (storage.Document, error) {
	v, err, _ := s.reads.Do(id, func() (interface{}, error) {
		return s.store.Get(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return storage.Document{}, err
	}
	return v.(storage.Document), nil
}
