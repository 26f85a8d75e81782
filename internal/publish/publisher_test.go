package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is a revisioned in-memory store. Scripted put errors are returned
// before the write is considered.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]storage.Document
	putErrs  []error
	emptyRev bool
	gets     int
	puts     int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]storage.Document{}}
}

func (s *memStore) Get(_ context.Context, id string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	doc, ok := s.docs[id]
	if !ok {
		return storage.Document{}, storage.ErrNotFound
	}
	return doc, nil
}

func (s *memStore) Put(_ context.Context, doc storage.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if len(s.putErrs) > 0 {
		err := s.putErrs[0]
		s.putErrs = s.putErrs[1:]
		return "", err
	}
	if s.emptyRev {
		return "", nil
	}
	cur, exists := s.docs[doc.ID]
	if exists && cur.Revision != doc.Revision {
		return "", storage.ErrConflict
	}
	if !exists && doc.Revision != "" {
		return "", storage.ErrConflict
	}
	gen := generation(cur.Revision) + 1
	doc.Revision = fmt.Sprintf("%d-rev", gen)
	s.docs[doc.ID] = doc
	return doc.Revision, nil
}

func (s *memStore) counts() (gets, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts
}

func (s *memStore) body(t *testing.T, id string) map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(s.docs[id].Body, &fields))
	return fields
}

func summary(id string) *v1.SummaryDocument {
	return &v1.SummaryDocument{
		ID:    id,
		Owner: "fleet@example.com",
		Type:  v1.TypePublishGeohash,
		Date:  time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
		Sum:   1,
		Boats: map[string]string{"a@x": "u0bcd"},
	}
}

type publishOutcome struct {
	result Result
	err    error
}

func publishAsync(ctx context.Context, p *Publisher, doc *v1.SummaryDocument) <-chan publishOutcome {
	done := make(chan publishOutcome, 1)
	go func() {
		res, err := p.Publish(ctx, doc)
		done <- publishOutcome{result: res, err: err}
	}()
	return done
}

func awaitOutcome(t *testing.T, ctx context.Context, done <-chan publishOutcome) publishOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		t.Fatal("timed out waiting for publish")
		return publishOutcome{}
	}
}

func TestPublisher_CreatesThenUpdatesFromCache(t *testing.T) {
	store := newMemStore()
	p := New(store, Options{MaxRetries: DefaultMaxRetries, Clock: quartz.NewMock(t)})
	ctx := context.Background()

	res, err := p.Publish(ctx, summary("fleet@example.com/publishGeohash"))
	require.NoError(t, err)
	assert.Equal(t, "1-rev", res.Revision)
	assert.Equal(t, 1, res.Attempts)

	res, err = p.Publish(ctx, summary("fleet@example.com/publishGeohash"))
	require.NoError(t, err)
	assert.Equal(t, "2-rev", res.Revision)

	gets, puts := store.counts()
	assert.Equal(t, 1, gets, "second publish must use the cached revision")
	assert.Equal(t, 2, puts)

	rev, ok := p.Revision("fleet@example.com/publishGeohash")
	require.True(t, ok)
	assert.Equal(t, "2-rev", rev)

	body := store.body(t, "fleet@example.com/publishGeohash")
	assert.NotContains(t, body, "_rev")
	assert.Equal(t, "u0bcd", body["boats"].(map[string]interface{})["a@x"])
}

func TestPublisher_ConflictsThenSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("publisher", "retry")
	defer trap.Close()

	store := newMemStore()
	store.putErrs = []error{storage.ErrConflict, storage.ErrConflict, storage.ErrConflict}
	p := New(store, Options{MaxRetries: 4, RetryDelay: 20 * time.Second, Clock: mClock})

	done := publishAsync(ctx, p, summary("s1"))
	for i := 0; i < 3; i++ {
		call := trap.MustWait(ctx)
		require.Equal(t, 20*time.Second, call.Duration)
		call.MustRelease(ctx)
		mClock.Advance(20 * time.Second).MustWait(ctx)
	}

	out := awaitOutcome(t, ctx, done)
	require.NoError(t, out.err)
	assert.Equal(t, 4, out.result.Attempts)
	assert.Equal(t, "1-rev", out.result.Revision)

	gets, puts := store.counts()
	assert.Equal(t, 4, gets, "each conflict drops the cached revision")
	assert.Equal(t, 4, puts)
}

func TestPublisher_RetryBound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("publisher", "retry")
	defer trap.Close()

	store := newMemStore()
	for i := 0; i < 10; i++ {
		store.putErrs = append(store.putErrs, storage.ErrConflict)
	}
	p := New(store, Options{MaxRetries: 4, RetryDelay: time.Second, Clock: mClock})

	done := publishAsync(ctx, p, summary("s1"))
	for i := 0; i < 4; i++ {
		trap.MustWait(ctx).MustRelease(ctx)
		mClock.Advance(time.Second).MustWait(ctx)
	}

	out := awaitOutcome(t, ctx, done)
	require.ErrorIs(t, out.err, ErrRetriesExhausted)
	assert.Equal(t, 5, out.result.Attempts)

	_, puts := store.counts()
	assert.Equal(t, 5, puts)

	// The id is released for the next cycle.
	store.putErrs = nil
	res, err := p.Publish(ctx, summary("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
}

func TestPublisher_NoRetries(t *testing.T) {
	store := newMemStore()
	store.putErrs = []error{errors.New("connection refused")}
	p := New(store, Options{MaxRetries: 0, Clock: quartz.NewMock(t)})

	_, err := p.Publish(context.Background(), summary("s1"))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorContains(t, err, "connection refused")
}

func TestPublisher_FatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *memStore)
		wantErr error
	}{
		{
			name:    "permanent store failure",
			setup:   func(s *memStore) { s.putErrs = []error{fmt.Errorf("%w: bad body", storage.ErrPermanent)} },
			wantErr: storage.ErrPermanent,
		},
		{
			name:    "missing revision",
			setup:   func(s *memStore) { s.emptyRev = true },
			wantErr: ErrMissingRevision,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			tt.setup(store)
			p := New(store, Options{MaxRetries: 4, Clock: quartz.NewMock(t)})

			res, err := p.Publish(context.Background(), summary("s1"))
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, res.Attempts)
			_, puts := store.counts()
			assert.Equal(t, 1, puts)
		})
	}
}

func TestPublisher_DropsWhileInFlight(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("publisher", "retry")
	defer trap.Close()

	store := newMemStore()
	store.putErrs = []error{storage.ErrConflict}
	p := New(store, Options{MaxRetries: 4, RetryDelay: time.Second, Clock: mClock})

	done := publishAsync(ctx, p, summary("s1"))
	call := trap.MustWait(ctx)

	_, err := p.Publish(ctx, summary("s1"))
	require.ErrorIs(t, err, ErrInFlight)

	// Other ids are independent.
	res, err := p.Publish(ctx, summary("s2"))
	require.NoError(t, err)
	assert.Equal(t, "1-rev", res.Revision)

	call.MustRelease(ctx)
	mClock.Advance(time.Second).MustWait(ctx)

	out := awaitOutcome(t, ctx, done)
	require.NoError(t, out.err)
	assert.Equal(t, 2, out.result.Attempts)
}

func TestPublisher_CancelDuringRetryWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTimer("publisher", "retry")
	defer trap.Close()

	store := newMemStore()
	store.putErrs = []error{storage.ErrConflict}
	p := New(store, Options{MaxRetries: 4, RetryDelay: time.Second, Clock: mClock})

	pubCtx, pubCancel := context.WithCancel(ctx)
	done := publishAsync(pubCtx, p, summary("s1"))
	trap.MustWait(ctx).MustRelease(ctx)
	pubCancel()

	out := awaitOutcome(t, ctx, done)
	require.ErrorIs(t, out.err, context.Canceled)
}

func TestPublisher_SupersedesPreviousWindow(t *testing.T) {
	store := newMemStore()
	p := New(store, Options{MaxRetries: 4, Clock: quartz.NewMock(t)})
	ctx := context.Background()

	first := summary(v1.WindowSummaryID("fleet@example.com", "2026-02-08T12:00"))
	first.Key = v1.SummaryID("fleet@example.com")
	res, err := p.Publish(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, res.Superseded)

	second := summary(v1.WindowSummaryID("fleet@example.com", "2026-02-08T12:01"))
	second.Key = v1.SummaryID("fleet@example.com")
	res, err = p.Publish(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.Superseded)

	assert.Equal(t, true, store.body(t, first.ID)["obsolete"])
	assert.NotContains(t, store.body(t, second.ID), "obsolete")
}

func TestPublisher_SupersedeFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	p := New(store, Options{MaxRetries: 4, Clock: quartz.NewMock(t)})
	ctx := context.Background()

	first := summary("w1")
	first.Key = "k"
	_, err := p.Publish(ctx, first)
	require.NoError(t, err)

	// The old document vanished; marking it obsolete fails but the publish stands.
	store.mu.Lock()
	delete(store.docs, "w1")
	store.mu.Unlock()

	second := summary("w2")
	second.Key = "k"
	res, err := p.Publish(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "w1", res.Superseded)
}

func TestPublisher_ObserveRevision(t *testing.T) {
	p := New(newMemStore(), Options{Clock: quartz.NewMock(t)})

	p.ObserveRevision("s1", "3-aaa")
	rev, ok := p.Revision("s1")
	require.True(t, ok)
	assert.Equal(t, "3-aaa", rev)

	p.ObserveRevision("s1", "2-old")
	rev, _ = p.Revision("s1")
	assert.Equal(t, "3-aaa", rev, "older generations are ignored")

	p.ObserveRevision("s1", "4-bbb")
	rev, _ = p.Revision("s1")
	assert.Equal(t, "4-bbb", rev)

	p.ObserveRevision("s1", "")
	rev, _ = p.Revision("s1")
	assert.Equal(t, "4-bbb", rev)
}

func TestPublisher_EnsureProcessDocument(t *testing.T) {
	store := newMemStore()
	p := New(store, Options{Clock: quartz.NewMock(t)})
	ctx := context.Background()

	require.NoError(t, p.EnsureProcessDocument(ctx, "fleet@example.com", []string{"boats"}))
	body := store.body(t, "fleet@example.com/processGeohash")
	assert.Equal(t, v1.TypeProcessGeohash, body["type"])
	assert.Equal(t, []interface{}{"boats"}, body["channels"])

	require.NoError(t, p.EnsureProcessDocument(ctx, "fleet@example.com", []string{"boats", "ops"}))
	body = store.body(t, "fleet@example.com/processGeohash")
	assert.Equal(t, []interface{}{"boats", "ops"}, body["channels"])

	store.mu.Lock()
	rev := store.docs["fleet@example.com/processGeohash"].Revision
	store.mu.Unlock()
	assert.Equal(t, "2-rev", rev)
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, int64(12), generation("12-abc"))
	assert.Equal(t, int64(0), generation("abc"))
	assert.Equal(t, int64(0), generation("x-abc"))
	assert.Equal(t, int64(0), generation(""))
}
