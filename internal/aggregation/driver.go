// Package aggregation drives pull-mode summaries: every cycle it queries the
// grouped position view for the current minute, rebuilds the geohash tree and
// publishes the result.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/aggregation"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/aevon-lab/geosummary/internal/publish"
	"github.com/coder/quartz"
)

// State is the phase of a QueryDriver cycle.
type State int32

const (
	StateIdle State = iota
	StateQuerying
	StateAggregating
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQuerying:
		return "querying"
	case StateAggregating:
		return "aggregating"
	case StatePublishing:
		return "publishing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Publisher writes a summary until it converges.
type Publisher interface {
	Publish(ctx context.Context, doc *v1.SummaryDocument) (publish.Result, error)
}

// Options configures a QueryDriver.
type Options struct {
	Interval   time.Duration
	Resolution aggregation.Resolution
	Clock      quartz.Clock
}

// QueryDriver runs one pull-mode summary definition.
type QueryDriver struct {
	view      storage.ViewEngine
	publisher Publisher
	def       aggregation.SummaryDefinition
	interval  time.Duration
	res       aggregation.Resolution
	clock     quartz.Clock
	state     atomic.Int32
}

// NewQueryDriver creates a driver for a pull definition.
func NewQueryDriver(
	view storage.ViewEngine,
	publisher Publisher,
	def aggregation.SummaryDefinition,
	opts Options,
) (*QueryDriver, error) {
	if def.Mode != aggregation.ModePull {
		return nil, fmt.Errorf("summary %q: query driver needs mode %q, got %q", def.Name, aggregation.ModePull, def.Mode)
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("summary %q: query interval must be positive", def.Name)
	}
	if err := opts.Resolution.Validate(); err != nil {
		return nil, fmt.Errorf("summary %q: %w", def.Name, err)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &QueryDriver{
		view:      view,
		publisher: publisher,
		def:       def,
		interval:  opts.Interval,
		res:       opts.Resolution,
		clock:     opts.Clock,
	}, nil
}

// State returns the current cycle phase.
func (d *QueryDriver) State() State {
	return State(d.state.Load())
}

// Run executes a cycle immediately and then one per interval, until ctx is done.
// The next cycle is scheduled only after the previous one finished.
func (d *QueryDriver) Run(ctx context.Context) error {
	slog.Info("[QueryDriver] Starting",
		"summary", d.def.Name,
		"owner", d.def.Owner,
		"interval", d.interval,
		"resolution", fmt.Sprintf("%d..%d/%d", d.res.Min, d.res.Max, d.res.Leaf))

	for {
		if err := d.RunCycle(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("[QueryDriver] Cycle skipped",
				"summary", d.def.Name,
				"error", err)
		}

		timer := d.clock.NewTimer(d.interval, "query", "cycle")
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("[QueryDriver] Stopping (context cancelled)", "summary", d.def.Name)
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle queries, aggregates and publishes the current minute once.
func (d *QueryDriver) RunCycle(ctx context.Context) error {
	defer d.state.Store(int32(StateIdle))

	now := d.clock.Now("query", "now")
	start, end := aggregation.KeyRange(now)

	d.state.Store(int32(StateQuerying))
	rows, err := d.view.QueryGroupedCounts(ctx, storage.ViewQuery{
		StartKey:    start,
		EndKey:      end,
		LeafDepth:   d.res.Leaf,
		GroupLevels: d.res.GroupLevels(),
	})
	if err != nil {
		return fmt.Errorf("query window %s: %w", start, err)
	}

	d.state.Store(int32(StateAggregating))
	buckets := make([]aggregation.Bucket, 0, len(rows))
	for _, row := range rows {
		b, err := aggregation.BucketFromRow(row.Key, row.Value, d.res.Leaf)
		if err != nil {
			return fmt.Errorf("decode row in window %s: %w", start, err)
		}
		buckets = append(buckets, b)
	}

	forest, err := aggregation.BuildTree(buckets, d.res)
	if err != nil {
		slog.Error("[QueryDriver] Reconciliation failed",
			"summary", d.def.Name,
			"window", start.String(),
			"error", err)
		return fmt.Errorf("aggregate window %s: %w", start, err)
	}

	doc := BuildSummary(forest, d.def, start, now)

	d.state.Store(int32(StatePublishing))
	res, err := d.publisher.Publish(ctx, doc)
	if err != nil {
		return fmt.Errorf("publish %s: %w", doc.ID, err)
	}

	slog.Info("[QueryDriver] Cycle complete",
		"summary", d.def.Name,
		"window", start.String(),
		"document_id", res.ID,
		"rev", res.Revision,
		"sum", doc.Sum,
		"boats", len(doc.Boats))
	return nil
}

// BuildSummary turns a reconciled forest into the summary document of def.
// Sum is the total across root counts; boats maps each leaf entity to its
// geohash, the last leaf in pre-order winning for an entity seen in several cells.
func BuildSummary(forest []*aggregation.Node, def aggregation.SummaryDefinition, window aggregation.WindowKey, now time.Time) *v1.SummaryDocument {
	boats := make(map[string]string)
	for _, leaf := range aggregation.Leaves(forest) {
		boats[leaf.EntityID] = leaf.Prefix
	}

	key := v1.SummaryID(def.Owner)
	id := key
	if def.DocumentPerWindow {
		id = v1.WindowSummaryID(def.Owner, window.String())
	}

	return &v1.SummaryDocument{
		ID:       id,
		Owner:    def.Owner,
		Type:     v1.TypePublishGeohash,
		Date:     now.UTC(),
		Sum:      aggregation.Sum(forest),
		Boats:    boats,
		Channels: def.Channels,
		Key:      key,
	}
}
