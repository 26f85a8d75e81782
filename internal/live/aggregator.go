// Package live maintains push-mode summaries: the last known position of every
// entity seen on the change feed, flushed as one summary after a debounce delay.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/aggregation"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/aevon-lab/geosummary/internal/publish"
	"github.com/coder/quartz"
)

// ErrFeedClosed is returned by Run when the change feed ends while ctx is live.
var ErrFeedClosed = errors.New("change feed closed")

const (
	DefaultDebounceDelay = 5 * time.Second
	DefaultValidTime     = 10 * time.Minute
)

// Publisher writes summaries and learns revisions from feed echoes.
type Publisher interface {
	Publish(ctx context.Context, doc *v1.SummaryDocument) (publish.Result, error)
	ObserveRevision(id, rev string)
}

// Options configures an Aggregator.
type Options struct {
	DebounceDelay time.Duration
	ValidTime     time.Duration
	Clock         quartz.Clock
}

// Aggregator runs one live summary definition. All state is owned by the Run loop.
type Aggregator struct {
	feed      storage.ChangeFeed
	publisher Publisher
	def       aggregation.SummaryDefinition
	summaryID string
	debounce  time.Duration
	validTime time.Duration
	clock     quartz.Clock

	entries map[string]aggregation.LiveEntry
}

// New creates an Aggregator for a live definition.
func New(feed storage.ChangeFeed, publisher Publisher, def aggregation.SummaryDefinition, opts Options) (*Aggregator, error) {
	if def.Mode != aggregation.ModeLive {
		return nil, fmt.Errorf("summary %q: live aggregator needs mode %q, got %q", def.Name, aggregation.ModeLive, def.Mode)
	}
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = DefaultDebounceDelay
	}
	if opts.ValidTime <= 0 {
		opts.ValidTime = DefaultValidTime
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Aggregator{
		feed:      feed,
		publisher: publisher,
		def:       def,
		summaryID: v1.SummaryID(def.Owner),
		debounce:  opts.DebounceDelay,
		validTime: opts.ValidTime,
		clock:     opts.Clock,
		entries:   make(map[string]aggregation.LiveEntry),
	}, nil
}

type publishOutcome struct {
	result publish.Result
	err    error
}

// Run subscribes to the feed and processes events until ctx is done.
// A publish still running at shutdown is waited for and its result discarded.
func (a *Aggregator) Run(ctx context.Context) error {
	events, err := a.feed.Changes(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	slog.Info("[LiveAggregator] Starting",
		"summary", a.def.Name,
		"owner", a.def.Owner,
		"debounce", a.debounce,
		"valid_time", a.validTime)

	var (
		timer      *quartz.Timer
		fire       <-chan time.Time
		done       chan publishOutcome
		publishing bool
		dirty      bool // reports arrived while publishing
	)
	arm := func() {
		timer = a.clock.NewTimer(a.debounce, "live", "debounce")
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if publishing {
				<-done
			}
			slog.Info("[LiveAggregator] Stopping (context cancelled)", "summary", a.def.Name)
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				if ctx.Err() != nil {
					continue
				}
				if publishing {
					<-done
				}
				return ErrFeedClosed
			}
			if !a.handle(ev) {
				continue
			}
			switch {
			case publishing:
				dirty = true
			case timer == nil:
				arm()
			}

		case <-fire:
			timer, fire = nil, nil
			doc := a.snapshot(a.clock.Now("live", "flush"))
			publishing = true
			done = make(chan publishOutcome, 1)
			go func(doc *v1.SummaryDocument, done chan<- publishOutcome) {
				res, err := a.publisher.Publish(ctx, doc)
				done <- publishOutcome{result: res, err: err}
			}(doc, done)

		case out := <-done:
			publishing, done = false, nil
			if out.err != nil {
				slog.Warn("[LiveAggregator] Publish failed",
					"summary", a.def.Name,
					"document_id", out.result.ID,
					"error", out.err)
			} else {
				slog.Info("[LiveAggregator] Published",
					"summary", a.def.Name,
					"document_id", out.result.ID,
					"rev", out.result.Revision,
					"boats", len(a.entries))
			}
			if dirty {
				dirty = false
				arm()
			}
		}
	}
}

// handle applies one change event and reports whether it was a position report.
func (a *Aggregator) handle(ev v1.ChangeEvent) bool {
	if ev.Deleted {
		return false
	}
	if ev.ID == a.summaryID {
		a.publisher.ObserveRevision(ev.ID, ev.Revision)
		return false
	}
	if ev.Type() != v1.TypeGeoPosition {
		return false
	}

	report, err := ev.Position()
	if err == nil {
		err = report.Validate()
	}
	if err != nil {
		slog.Warn("[LiveAggregator] Ignoring malformed report",
			"summary", a.def.Name,
			"document_id", ev.ID,
			"error", err)
		return false
	}

	a.entries[report.Owner] = aggregation.LiveEntry{
		EntityID: report.Owner,
		Geohash:  report.Geohash,
		LastSeen: a.clock.Now("live", "report"),
	}
	return true
}

// snapshot evicts expired entries and builds the summary from the rest.
func (a *Aggregator) snapshot(now time.Time) *v1.SummaryDocument {
	boats := make(map[string]string, len(a.entries))
	for id, entry := range a.entries {
		if now.Sub(entry.LastSeen) > a.validTime {
			delete(a.entries, id)
			continue
		}
		boats[id] = entry.Geohash
	}
	return &v1.SummaryDocument{
		ID:       a.summaryID,
		Owner:    a.def.Owner,
		Type:     v1.TypePublishGeohash,
		Date:     now.UTC(),
		Sum:      int64(len(boats)),
		Boats:    boats,
		Channels: a.def.Channels,
		Key:      a.summaryID,
	}
}
