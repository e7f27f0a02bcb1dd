package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCorpus struct {
	items   []CorpusItem
	texts   map[string]string
	fetched chan string
	release chan struct{}
}

func (c *fakeCorpus) ListSources(ctx context.Context) ([]CorpusItem, error) {
	return c.items, nil
}

func (c *fakeCorpus) FetchText(ctx context.Context, item CorpusItem) (string, error) {
	if c.fetched != nil {
		c.fetched <- item.Ref.ID
	}
	if c.release != nil {
		<-c.release
	}
	text, ok := c.texts[item.Ref.ID]
	if !ok {
		return "", errors.New("not found")
	}
	return text, nil
}

type recordingIngester struct {
	mu       sync.Mutex
	requests []IngestRequest
	drained  int
}

func (r *recordingIngester) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if req.Text == "fail" {
		return IngestResult{Error: "boom"}
	}
	return IngestResult{Success: true, ChunksCreated: 1}
}

func (r *recordingIngester) DrainPending(ctx context.Context, batchSize int) (*PendingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained++
	return &PendingResult{Processed: 2}, nil
}

func corpusOf(ids ...string) *fakeCorpus {
	c := &fakeCorpus{texts: map[string]string{}}
	for _, id := range ids {
		c.items = append(c.items, CorpusItem{Ref: SourceRef{Type: SourceTypeArticle, ID: id}, Title: "title " + id})
		c.texts[id] = "text " + id
	}
	return c
}

func TestBackfill_RunsAllItemsAndContinuesOnFailure(t *testing.T) {
	corpus := corpusOf("a", "b", "c")
	corpus.texts["b"] = "fail"
	delete(corpus.texts, "c")
	ingester := &recordingIngester{}
	var hooked []string
	coord := NewBackfillCoordinator(ingester, corpus,
		WithBackfillLogger(discardLogger()),
		WithBackfillHook(func(ctx context.Context, item CorpusItem) error {
			hooked = append(hooked, item.Ref.ID)
			return nil
		}),
	)

	progress, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 1, progress.Done)
	assert.Equal(t, 2, progress.Failed)
	assert.False(t, progress.Cancelled)
	assert.Equal(t, 2, progress.Pending.Processed)
	assert.Equal(t, []string{"a"}, hooked)
	require.Len(t, ingester.requests, 2)
	assert.Equal(t, "title a", ingester.requests[0].Metadata["title"])
	assert.Equal(t, BackfillIdle, coord.State().Phase)
}

func TestBackfill_HookFailureCountsAsFailed(t *testing.T) {
	coord := NewBackfillCoordinator(&recordingIngester{}, corpusOf("a", "b"),
		WithBackfillLogger(discardLogger()),
		WithBackfillHook(func(ctx context.Context, item CorpusItem) error {
			if item.Ref.ID == "b" {
				return errors.New("kg failed")
			}
			return nil
		}),
	)

	progress, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Done)
	assert.Equal(t, 1, progress.Failed)
}

func TestBackfill_RejectsConcurrentStartAndCancels(t *testing.T) {
	corpus := corpusOf("a", "b", "c")
	corpus.fetched = make(chan string, 3)
	corpus.release = make(chan struct{})
	ingester := &recordingIngester{}
	coord := NewBackfillCoordinator(ingester, corpus, WithBackfillLogger(discardLogger()))

	type runResult struct {
		progress *BackfillProgress
		err      error
	}
	done := make(chan runResult, 1)
	go func() {
		p, err := coord.Run(context.Background())
		done <- runResult{p, err}
	}()

	// 1件目の取得中に割り込む
	select {
	case id := <-corpus.fetched:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not start")
	}

	state := coord.State()
	assert.Equal(t, BackfillRunning, state.Phase)
	assert.Equal(t, "article:a", state.Progress.Current)

	_, err := coord.Run(context.Background())
	assert.ErrorIs(t, err, ErrBackfillRunning)

	assert.True(t, coord.Cancel())
	assert.Equal(t, BackfillCancelling, coord.State().Phase)
	close(corpus.release)

	var res runResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not stop")
	}
	require.NoError(t, res.err)
	assert.True(t, res.progress.Cancelled)
	assert.Equal(t, 1, res.progress.Done)
	assert.Len(t, ingester.requests, 1)
	assert.Zero(t, ingester.drained)
	assert.Equal(t, BackfillIdle, coord.State().Phase)
	assert.False(t, coord.Cancel())

	// 終了後は再実行できる
	corpus.fetched = nil
	corpus.release = nil
	progress, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Done)
}

func TestBackfillPhase_String(t *testing.T) {
	assert.Equal(t, "idle", BackfillIdle.String())
	assert.Equal(t, "running", BackfillRunning.String())
	assert.Equal(t, "cancelling", BackfillCancelling.String())
}
