// Package publish writes summary documents to the revisioned store until they
// converge, retrying conflicts with a bounded budget.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/coder/quartz"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	// ErrInFlight is returned when a publish for the same id is already running.
	// The caller's document is dropped; the next cycle carries newer data.
	ErrInFlight = errors.New("publish already in flight")

	// ErrRetriesExhausted is returned once a document failed more than MaxRetries times.
	ErrRetriesExhausted = errors.New("publish retries exhausted")

	// ErrMissingRevision is returned when the store accepted a write without a revision.
	ErrMissingRevision = errors.New("store response carries no revision")
)

// Defaults used by the service configuration. A zero MaxRetries disables retries.
const (
	DefaultMaxRetries = 4
	DefaultRetryDelay = 20 * time.Second
)

// Options configures a Publisher.
type Options struct {
	// MaxRetries bounds failed attempts: attempt n+1 runs only while n <= MaxRetries.
	MaxRetries int

	// RetryDelay is the wait between attempts.
	RetryDelay time.Duration

	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Result describes a converged publish.
type Result struct {
	ID       string
	Revision string
	Attempts int

	// Superseded is the id of the document this publish replaced under the same
	// logical key, or "".
	Superseded string
}

// Publisher owns the per-id revision cache and the in-flight set.
// It is safe for concurrent use.
type Publisher struct {
	store      storage.DocumentStore
	clock      quartz.Clock
	maxRetries int
	retryDelay time.Duration

	inFlight  *xsync.Map[string, struct{}]
	revisions *xsync.Map[string, string]
	current   *xsync.Map[string, string] // logical key -> id last published under it
}

// New creates a Publisher writing to store.
func New(store storage.DocumentStore, opts Options) *Publisher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Publisher{
		store:      store,
		clock:      opts.Clock,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		inFlight:   xsync.NewMap[string, struct{}](),
		revisions:  xsync.NewMap[string, string](),
		current:    xsync.NewMap[string, string](),
	}
}

// Publish writes doc and blocks until it converges, fails fatally, or ctx is done.
// Fatal failures only affect this id.
func (p *Publisher) Publish(ctx context.Context, doc *v1.SummaryDocument) (Result, error) {
	id := doc.ID
	if _, loaded := p.inFlight.LoadOrStore(id, struct{}{}); loaded {
		slog.Info("[Publisher] Dropping update, previous publish still in flight",
			"document_id", id)
		return Result{ID: id}, ErrInFlight
	}
	defer p.inFlight.Delete(id)

	body, err := encode(doc)
	if err != nil {
		return Result{ID: id}, fmt.Errorf("%w: encode %s: %v", storage.ErrPermanent, id, err)
	}

	failures := 0
	for {
		rev, err := p.attempt(ctx, id, doc.Type, body)
		if err == nil {
			result := Result{ID: id, Revision: rev, Attempts: failures + 1}
			result.Superseded = p.supersede(ctx, doc.LogicalKey(), id)
			slog.Debug("[Publisher] Published",
				"document_id", id,
				"rev", rev,
				"attempt", result.Attempts)
			return result, nil
		}
		if isFatal(err) {
			slog.Error("[Publisher] Publish failed",
				"document_id", id,
				"attempt", failures+1,
				"error", err)
			return Result{ID: id, Attempts: failures + 1}, err
		}

		p.revisions.Delete(id)
		failures++
		if failures > p.maxRetries {
			slog.Error("[Publisher] Giving up",
				"document_id", id,
				"attempt", failures,
				"error", err)
			return Result{ID: id, Attempts: failures}, fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, id, failures, err)
		}

		slog.Warn("[Publisher] Publish attempt failed, will retry",
			"document_id", id,
			"attempt", failures,
			"retry_in", p.retryDelay,
			"error", err)

		if err := p.wait(ctx); err != nil {
			return Result{ID: id, Attempts: failures}, err
		}
	}
}

func (p *Publisher) attempt(ctx context.Context, id, docType string, body json.RawMessage) (string, error) {
	rev, err := p.revisionFor(ctx, id)
	if err != nil {
		return "", err
	}

	newRev, err := p.store.Put(ctx, storage.Document{ID: id, Revision: rev, Type: docType, Body: body})
	if err != nil {
		return "", err
	}
	if newRev == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingRevision, id)
	}
	p.revisions.Store(id, newRev)
	return newRev, nil
}

// revisionFor returns the cached revision of id, fetching it on a miss.
// "" means the document does not exist yet.
func (p *Publisher) revisionFor(ctx context.Context, id string) (string, error) {
	if rev, ok := p.revisions.Load(id); ok {
		return rev, nil
	}
	doc, err := p.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch revision of %s: %w", id, err)
	}
	return doc.Revision, nil
}

func (p *Publisher) wait(ctx context.Context) error {
	timer := p.clock.NewTimer(p.retryDelay, "publisher", "retry")
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supersede records id as the current document of key and marks the document
// it replaced obsolete. Failures are logged and not retried.
func (p *Publisher) supersede(ctx context.Context, key, id string) string {
	prev, loaded := p.current.LoadAndStore(key, id)
	if !loaded || prev == id {
		return ""
	}
	p.revisions.Delete(prev)

	if err := p.markObsolete(ctx, prev); err != nil {
		slog.Warn("[Publisher] Failed to mark superseded summary obsolete",
			"document_id", prev,
			"superseded_by", id,
			"error", err)
	}
	return prev
}

func (p *Publisher) markObsolete(ctx context.Context, id string) error {
	doc, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc.Body, &fields); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	fields["obsolete"] = true
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	_, err = p.store.Put(ctx, storage.Document{ID: id, Revision: doc.Revision, Type: doc.Type, Body: body})
	return err
}

// ObserveRevision records a revision seen on the change feed. Older generations
// than the cached one are ignored.
func (p *Publisher) ObserveRevision(id, rev string) {
	if rev == "" {
		return
	}
	p.revisions.Compute(id, func(old string, loaded bool) (string, xsync.ComputeOp) {
		if loaded && generation(old) > generation(rev) {
			return old, xsync.CancelOp
		}
		return rev, xsync.UpdateOp
	})
}

// Revision returns the cached revision of id.
func (p *Publisher) Revision(id string) (string, bool) {
	return p.revisions.Load(id)
}

// EnsureProcessDocument creates or refreshes the channel subscription document
// of owner.
func (p *Publisher) EnsureProcessDocument(ctx context.Context, owner string, channels []string) error {
	id := v1.ProcessID(owner)

	var rev string
	existing, err := p.store.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("get process document %s: %w", id, err)
	default:
		rev = existing.Revision
	}

	if channels == nil {
		channels = []string{}
	}
	body, err := json.Marshal(v1.ProcessDocument{
		ID:       id,
		Owner:    owner,
		Type:     v1.TypeProcessGeohash,
		Channels: channels,
	})
	if err != nil {
		return fmt.Errorf("encode process document %s: %w", id, err)
	}

	newRev, err := p.store.Put(ctx, storage.Document{ID: id, Revision: rev, Type: v1.TypeProcessGeohash, Body: body})
	if err != nil {
		return fmt.Errorf("put process document %s: %w", id, err)
	}
	slog.Info("[Publisher] Process document ready",
		"document_id", id,
		"rev", newRev,
		"channels", channels)
	return nil
}

func encode(doc *v1.SummaryDocument) (json.RawMessage, error) {
	body := *doc
	body.Revision = ""
	if body.Boats == nil {
		body.Boats = map[string]string{}
	}
	return json.Marshal(body)
}

func isFatal(err error) bool {
	return errors.Is(err, storage.ErrPermanent) ||
		errors.Is(err, ErrMissingRevision) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// generation parses the "<generation>-" prefix of a revision; 0 when absent.
func generation(rev string) int64 {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
