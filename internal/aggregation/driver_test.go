package aggregation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	"github.com/aevon-lab/geosummary/internal/core/aggregation"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/aevon-lab/geosummary/internal/publish"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var cycleTime = time.Date(2026, 2, 8, 12, 0, 30, 0, time.UTC)

type fakeView struct {
	mu      sync.Mutex
	rows    []storage.ViewRow
	err     error
	queries []storage.ViewQuery
	block   chan struct{}
}

func (v *fakeView) QueryGroupedCounts(_ context.Context, q storage.ViewQuery) ([]storage.ViewRow, error) {
	if v.block != nil {
		<-v.block
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queries = append(v.queries, q)
	return v.rows, v.err
}

func (v *fakeView) queryCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queries)
}

type recordingPublisher struct {
	mu   sync.Mutex
	docs []*v1.SummaryDocument
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, doc *v1.SummaryDocument) (publish.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs = append(p.docs, doc)
	if p.err != nil {
		return publish.Result{ID: doc.ID}, p.err
	}
	return publish.Result{ID: doc.ID, Revision: "1-a", Attempts: 1}, nil
}

func (p *recordingPublisher) published() []*v1.SummaryDocument {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*v1.SummaryDocument(nil), p.docs...)
}

func key(prefix string, rest ...string) []string {
	k := []string{"2026", "02", "08", "12", "00"}
	for _, c := range prefix {
		k = append(k, string(c))
	}
	return append(k, rest...)
}

func scenarioRows() []storage.ViewRow {
	return []storage.ViewRow{
		{Key: key("u"), Value: 3},
		{Key: key("u0", "a@x"), Value: 1},
		{Key: key("u1", "b@x"), Value: 2},
	}
}

func pullDefinition() aggregation.SummaryDefinition {
	return aggregation.SummaryDefinition{
		Name:     "fleet",
		Owner:    "fleet@example.com",
		Mode:     aggregation.ModePull,
		Channels: []string{"boats"},
	}
}

func newTestDriver(t *testing.T, view storage.ViewEngine, pub Publisher, def aggregation.SummaryDefinition, clock quartz.Clock) *QueryDriver {
	t.Helper()
	d, err := NewQueryDriver(view, pub, def, Options{
		Interval:   20 * time.Second,
		Resolution: aggregation.Resolution{Min: 1, Max: 1, Leaf: 2},
		Clock:      clock,
	})
	require.NoError(t, err)
	return d
}

func TestQueryDriver_RunCycle(t *testing.T) {
	mClock := quartz.NewMock(t)
	mClock.Set(cycleTime)
	view := &fakeView{rows: scenarioRows()}
	pub := &recordingPublisher{}
	d := newTestDriver(t, view, pub, pullDefinition(), mClock)

	require.NoError(t, d.RunCycle(context.Background()))
	assert.Equal(t, StateIdle, d.State())

	require.Len(t, view.queries, 1)
	q := view.queries[0]
	assert.Equal(t, aggregation.WindowKey{Year: 2026, Month: 2, Day: 8, Hour: 12, Minute: 0}, q.StartKey)
	assert.Equal(t, aggregation.WindowKey{Year: 2026, Month: 2, Day: 8, Hour: 12, Minute: 1}, q.EndKey)
	assert.Equal(t, 2, q.LeafDepth)
	assert.Equal(t, []int{6, 8}, q.GroupLevels)

	docs := pub.published()
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, "fleet@example.com/publishGeohash", doc.ID)
	assert.Equal(t, int64(3), doc.Sum)
	assert.Equal(t, map[string]string{"a@x": "u0", "b@x": "u1"}, doc.Boats)
	assert.Equal(t, []string{"boats"}, doc.Channels)
	assert.Equal(t, cycleTime, doc.Date)
}

func TestQueryDriver_DocumentPerWindow(t *testing.T) {
	mClock := quartz.NewMock(t)
	mClock.Set(cycleTime)
	def := pullDefinition()
	def.DocumentPerWindow = true
	pub := &recordingPublisher{}
	d := newTestDriver(t, &fakeView{rows: scenarioRows()}, pub, def, mClock)

	require.NoError(t, d.RunCycle(context.Background()))
	doc := pub.published()[0]
	assert.Equal(t, "fleet@example.com/publishGeohash/2026-02-08T12:00", doc.ID)
	assert.Equal(t, "fleet@example.com/publishGeohash", doc.LogicalKey())
}

func TestQueryDriver_EmptyWindowPublishesEmptySummary(t *testing.T) {
	mClock := quartz.NewMock(t)
	mClock.Set(cycleTime)
	pub := &recordingPublisher{}
	d := newTestDriver(t, &fakeView{}, pub, pullDefinition(), mClock)

	require.NoError(t, d.RunCycle(context.Background()))
	doc := pub.published()[0]
	assert.Equal(t, int64(0), doc.Sum)
	assert.Empty(t, doc.Boats)
}

func TestQueryDriver_SkipsCycle(t *testing.T) {
	tests := []struct {
		name    string
		view    *fakeView
		pubErr  error
		wantErr error
		publish bool
	}{
		{
			name:    "query failure",
			view:    &fakeView{err: errors.New("view unavailable")},
			publish: false,
		},
		{
			name: "reconciliation failure",
			view: &fakeView{rows: []storage.ViewRow{
				{Key: key("u"), Value: 4},
				{Key: key("u0", "a@x"), Value: 1},
				{Key: key("u1", "b@x"), Value: 2},
			}},
			wantErr: aggregation.ErrReconciliation,
			publish: false,
		},
		{
			name:    "malformed row",
			view:    &fakeView{rows: []storage.ViewRow{{Key: []string{"2026", "02"}, Value: 1}}},
			wantErr: aggregation.ErrMalformedBucket,
			publish: false,
		},
		{
			name:    "publish failure",
			view:    &fakeView{rows: scenarioRows()},
			pubErr:  publish.ErrRetriesExhausted,
			wantErr: publish.ErrRetriesExhausted,
			publish: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mClock := quartz.NewMock(t)
			mClock.Set(cycleTime)
			pub := &recordingPublisher{err: tt.pubErr}
			d := newTestDriver(t, tt.view, pub, pullDefinition(), mClock)

			err := d.RunCycle(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.publish, len(pub.published()) == 1)
			assert.Equal(t, StateIdle, d.State())
		})
	}
}

func TestQueryDriver_StateDuringQuery(t *testing.T) {
	mClock := quartz.NewMock(t)
	mClock.Set(cycleTime)
	view := &fakeView{rows: scenarioRows(), block: make(chan struct{})}
	d := newTestDriver(t, view, &recordingPublisher{}, pullDefinition(), mClock)

	done := make(chan error, 1)
	go func() { done <- d.RunCycle(context.Background()) }()

	require.Eventually(t, func() bool { return d.State() == StateQuerying }, 5*time.Second, time.Millisecond)
	close(view.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, d.State())
}

func TestQueryDriver_Run(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	mClock.Set(cycleTime)
	trap := mClock.Trap().NewTimer("query", "cycle")
	defer trap.Close()

	view := &fakeView{rows: scenarioRows()}
	pub := &recordingPublisher{}
	d := newTestDriver(t, view, pub, pullDefinition(), mClock)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	// The first cycle runs before the timer is armed.
	call := trap.MustWait(ctx)
	assert.Equal(t, 20*time.Second, call.Duration)
	assert.Equal(t, 1, view.queryCount())
	call.MustRelease(ctx)

	mClock.Advance(20 * time.Second).MustWait(ctx)
	trap.MustWait(ctx).MustRelease(ctx)
	assert.Equal(t, 2, view.queryCount())
	assert.Len(t, pub.published(), 2)

	stop()
	require.NoError(t, <-done)
}

func TestNewQueryDriver_Validation(t *testing.T) {
	view := &fakeView{}
	pub := &recordingPublisher{}
	res := aggregation.Resolution{Min: 1, Max: 1, Leaf: 2}

	live := pullDefinition()
	live.Mode = aggregation.ModeLive
	_, err := NewQueryDriver(view, pub, live, Options{Interval: time.Second, Resolution: res})
	require.Error(t, err)

	_, err = NewQueryDriver(view, pub, pullDefinition(), Options{Resolution: res})
	require.Error(t, err)

	_, err = NewQueryDriver(view, pub, pullDefinition(), Options{Interval: time.Second, Resolution: aggregation.Resolution{Min: 2, Max: 1, Leaf: 3}})
	require.Error(t, err)
}

func TestBuildSummary_LastLeafWinsForEntity(t *testing.T) {
	forest := []*aggregation.Node{
		{Prefix: "u", Count: 2, Children: []*aggregation.Node{
			{Prefix: "u0", EntityID: "a@x", Count: 1},
			{Prefix: "u1", EntityID: "a@x", Count: 1},
		}},
	}
	window := aggregation.WindowKey{Year: 2026, Month: 2, Day: 8, Hour: 12, Minute: 0}

	doc := BuildSummary(forest, pullDefinition(), window, cycleTime)
	assert.Equal(t, map[string]string{"a@x": "u1"}, doc.Boats)
	assert.Equal(t, int64(2), doc.Sum)
	assert.Equal(t, v1.TypePublishGeohash, doc.Type)
}
