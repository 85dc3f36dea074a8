package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourname/go-hitcounter/internal/events"
	"github.com/yourname/go-hitcounter/internal/geo"
	"github.com/yourname/go-hitcounter/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func openStore(t *testing.T) *store.SQL {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "hits.db") + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	s, err := store.Open(context.Background(), "sqlite3", dsn, 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var dayD = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, st store.Store, opts Options) (*Service, *clock) {
	t.Helper()
	clk := &clock{now: dayD}
	opts.Now = clk.Now
	if opts.Retention == 0 {
		opts.Retention = 180 * 24 * time.Hour
	}
	if opts.ExcludedKeys == nil {
		opts.ExcludedKeys = []string{"favicon.ico"}
	}
	return NewService(st, geo.Static(geo.Other), opts), clk
}

func TestRecordHit_NewKeyReturnsOne(t *testing.T) {
	svc, _ := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	n, err := svc.RecordHit(ctx, "docs/readme", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := svc.Count(ctx, "docs/readme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordHit_TrimsKey(t *testing.T) {
	svc, _ := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	_, err := svc.RecordHit(ctx, "  docs/readme ", "")
	require.NoError(t, err)
	count, err := svc.Count(ctx, "docs/readme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordHit_RejectsWithoutMutation(t *testing.T) {
	st := openStore(t)
	svc, _ := newTestService(t, st, Options{})
	ctx := context.Background()

	tests := []struct {
		key  string
		want error
	}{
		{"", ErrInvalidKey},
		{"   ", ErrInvalidKey},
		{string(make([]byte, MaxKeyLen+1)), ErrInvalidKey},
		{"favicon.ico", ErrExcludedKey},
		{"FAVICON.ICO", ErrExcludedKey},
	}
	for _, tc := range tests {
		_, err := svc.RecordHit(ctx, tc.key, "8.8.8.8")
		assert.ErrorIs(t, err, tc.want)
	}

	list, err := st.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecordHit_ConcurrentNoLostUpdates(t *testing.T) {
	svc, _ := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	_, err := svc.RecordHit(ctx, "hot", "")
	require.NoError(t, err)
	before, err := svc.Count(ctx, "hot")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total, err := svc.RecordHit(ctx, "hot", "")
			assert.NoError(t, err)
			seen <- total
		}()
	}
	wg.Wait()
	close(seen)

	after, err := svc.Count(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, before+n, after)

	// every caller saw a distinct post-increment value
	unique := make(map[int64]bool)
	for v := range seen {
		assert.False(t, unique[v], "duplicate total %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, n)
}

func TestScenario_DocsReadmeAcrossTwoDays(t *testing.T) {
	svc, clk := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clk.Set(dayD.Add(time.Duration(i) * time.Hour))
		_, err := svc.RecordHit(ctx, "docs/readme", "")
		require.NoError(t, err)
	}
	dayD1 := dayD.AddDate(0, 0, 1)
	clk.Set(dayD1)
	_, err := svc.RecordHit(ctx, "docs/readme", "")
	require.NoError(t, err)

	count, err := svc.Count(ctx, "docs/readme")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	got, err := svc.DailyAggregate(ctx, "docs/readme", 30*24*time.Hour)
	require.NoError(t, err)
	d := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []store.DailyCount{
		{Day: d, Count: 3},
		{Day: d.AddDate(0, 0, 1), Count: 1},
	}, got)
}

func TestDailyAggregate_WindowSortedUnique(t *testing.T) {
	svc, clk := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	start := dayD.AddDate(0, 0, -20)
	for i := 0; i < 20; i++ {
		clk.Set(start.AddDate(0, 0, i))
		for j := 0; j <= i%3; j++ {
			_, err := svc.RecordHit(ctx, "k", "")
			require.NoError(t, err)
		}
	}
	clk.Set(dayD)

	since := 7 * 24 * time.Hour
	got, err := svc.DailyAggregate(ctx, "k", since)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	from := truncateDay(dayD.Add(-since))
	for i, p := range got {
		assert.False(t, p.Day.Before(from), "day %s before window", p.Day)
		assert.False(t, p.Day.After(dayD), "day %s after window", p.Day)
		if i > 0 {
			assert.True(t, p.Day.After(got[i-1].Day), "not strictly ascending at %d", i)
		}
	}
}

func TestDailyAggregate_ClampsToRetention(t *testing.T) {
	svc, clk := newTestService(t, openStore(t), Options{Retention: 10 * 24 * time.Hour, PruneOnWrite: false})
	ctx := context.Background()

	clk.Set(dayD.AddDate(0, 0, -30))
	_, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)
	clk.Set(dayD)
	_, err = svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)

	for _, since := range []time.Duration{0, -time.Hour, 365 * 24 * time.Hour} {
		got, err := svc.DailyAggregate(ctx, "k", since)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
}

func TestDenseDaily_ZeroFills(t *testing.T) {
	svc, clk := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	clk.Set(dayD.AddDate(0, 0, -2))
	_, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)
	clk.Set(dayD)

	got, err := svc.DenseDaily(ctx, "k", 3*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []int64{0, 1, 0, 0}, []int64{got[0].Count, got[1].Count, got[2].Count, got[3].Count})
}

func TestRemoveAll(t *testing.T) {
	svc, _ := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordHit(ctx, "k", "")
		require.NoError(t, err)
	}
	require.NoError(t, svc.RemoveAll(ctx, "k"))

	count, err := svc.Count(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, count)

	for _, since := range []time.Duration{time.Hour, 24 * time.Hour, 0} {
		got, err := svc.DailyAggregate(ctx, "k", since)
		require.NoError(t, err)
		assert.Empty(t, got)
	}

	n, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetCount(t *testing.T) {
	svc, _ := newTestService(t, openStore(t), Options{})
	ctx := context.Background()

	require.NoError(t, svc.SetCount(ctx, "k", 500))
	n, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, int64(501), n)

	assert.ErrorIs(t, svc.SetCount(ctx, "k", -1), ErrInvalidCount)
	assert.ErrorIs(t, svc.SetCount(ctx, "", 3), ErrInvalidKey)

	got, err := svc.DailyAggregate(ctx, "k", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Count)
}

func TestList_ClampsLimit(t *testing.T) {
	st := &recordingStore{Store: openStore(t)}
	svc, _ := newTestService(t, st, Options{})
	ctx := context.Background()

	_, err := svc.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, st.lastLimit)

	_, err = svc.List(ctx, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, st.lastLimit)
}

func TestRecordHit_PrunesOnWrite(t *testing.T) {
	svc, clk := newTestService(t, openStore(t), Options{Retention: 24 * time.Hour, PruneOnWrite: true})
	ctx := context.Background()

	clk.Set(dayD.AddDate(0, 0, -5))
	_, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)

	clk.Set(dayD)
	n, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "totals survive pruning")

	got, err := svc.DailyAggregate(ctx, "k", 0)
	require.NoError(t, err)
	assert.Equal(t, []store.DailyCount{{Day: truncateDay(dayD), Count: 1}}, got)
}

func TestRecordHit_PruneFailureIsSwallowed(t *testing.T) {
	st := &recordingStore{Store: openStore(t), pruneErr: errors.New("disk I/O error")}
	svc, _ := newTestService(t, st, Options{PruneOnWrite: true})

	n, err := svc.RecordHit(context.Background(), "k", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, st.pruneCalls)
}

func TestRecordHit_StoreFailureSurfaces(t *testing.T) {
	storeErr := errors.New("database is locked")
	st := &recordingStore{Store: openStore(t), recordErr: storeErr}
	pub := &fakePublisher{}
	svc, _ := newTestService(t, st, Options{Publisher: pub})

	_, err := svc.RecordHit(context.Background(), "k", "")
	require.ErrorIs(t, err, storeErr)
	assert.Zero(t, len(svc.eventsCh), "no event for a failed hit")
}

func TestRecordHit_UsesGeoBucket(t *testing.T) {
	st := openStore(t)
	clk := &clock{now: dayD}
	svc := NewService(st, geo.Static("DE"), Options{Retention: time.Hour, Now: clk.Now})
	ctx := context.Background()

	_, err := svc.RecordHit(ctx, "k", "8.8.8.8")
	require.NoError(t, err)
	_, err = svc.RecordHit(ctx, "k", "8.8.8.8")
	require.NoError(t, err)

	got, err := svc.Countries(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"DE": 2}, got)
}

func TestRunEventForwarder_PublishesHits(t *testing.T) {
	pub := &fakePublisher{got: make(chan events.Hit, 4)}
	svc, _ := newTestService(t, openStore(t), Options{Publisher: pub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.RunEventForwarder(ctx)
		close(done)
	}()

	_, err := svc.RecordHit(ctx, "k", "")
	require.NoError(t, err)

	select {
	case h := <-pub.got:
		assert.Equal(t, "k", h.Key)
		assert.Equal(t, geo.Other, h.Bucket)
		assert.Equal(t, int64(1), h.Total)
		assert.Equal(t, dayD, h.At)
	case <-time.After(2 * time.Second):
		t.Fatal("hit was not published")
	}

	cancel()
	<-done
}

func TestRunEventForwarder_BatchesBufferedHits(t *testing.T) {
	pub := &fakePublisher{got: make(chan events.Hit, 8)}
	svc, _ := newTestService(t, openStore(t), Options{Publisher: pub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordHit(ctx, "k", "")
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		svc.RunEventForwarder(ctx)
		close(done)
	}()

	for i := 1; i <= 5; i++ {
		select {
		case h := <-pub.got:
			assert.Equal(t, int64(i), h.Total)
		case <-time.After(2 * time.Second):
			t.Fatal("hit was not published")
		}
	}
	cancel()
	<-done

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, []int{5}, pub.batches)
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	svc, _ := newTestService(t, openStore(t), Options{Publisher: &fakePublisher{}, EventBuffer: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.RecordHit(ctx, "k", "")
		require.NoError(t, err)
	}
	assert.Len(t, svc.eventsCh, 1)
}

type recordingStore struct {
	store.Store
	recordErr  error
	pruneErr   error
	pruneCalls int
	lastLimit  int
}

func (r *recordingStore) RecordHit(ctx context.Context, h store.Hit) (int64, error) {
	if r.recordErr != nil {
		return 0, r.recordErr
	}
	return r.Store.RecordHit(ctx, h)
}

func (r *recordingStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.pruneCalls++
	if r.pruneErr != nil {
		return 0, r.pruneErr
	}
	return r.Store.Prune(ctx, before)
}

func (r *recordingStore) List(ctx context.Context, limit int) ([]store.Counter, error) {
	r.lastLimit = limit
	return r.Store.List(ctx, limit)
}

type fakePublisher struct {
	got chan events.Hit

	mu      sync.Mutex
	batches []int
}

func (f *fakePublisher) Publish(_ context.Context, hits ...events.Hit) error {
	f.mu.Lock()
	f.batches = append(f.batches, len(hits))
	f.mu.Unlock()
	for _, h := range hits {
		if f.got != nil {
			f.got <- h
		}
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }
