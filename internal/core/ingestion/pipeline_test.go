package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jinford/reading-rag/internal/core/ingestion/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memIndexStore struct {
	mu              sync.Mutex
	chunks          map[uuid.UUID]*Chunk
	vectors         map[uuid.UUID][]float32
	docs            map[SourceRef]SourceDocument
	vectorAvailable bool
	report          MigrationReport
	insertErr       error
}

func newMemIndexStore(vectorAvailable bool) *memIndexStore {
	return &memIndexStore{
		chunks:          map[uuid.UUID]*Chunk{},
		vectors:         map[uuid.UUID][]float32{},
		docs:            map[SourceRef]SourceDocument{},
		vectorAvailable: vectorAvailable,
		report:          MigrationReport{VectorAvailable: vectorAvailable},
	}
}

func (s *memIndexStore) EnsureSchema(ctx context.Context) (*MigrationReport, error) {
	r := s.report
	return &r, nil
}

func (s *memIndexStore) VectorIndexAvailable() bool { return s.vectorAvailable }

func (s *memIndexStore) BatchCreateChunks(ctx context.Context, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		cp := *c
		s.chunks[c.ID] = &cp
	}
	return nil
}

func (s *memIndexStore) ListChunksBySource(ctx context.Context, ref SourceRef) ([]*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Chunk
	for _, c := range s.chunks {
		if c.SourceType == ref.Type && c.SourceID == ref.ID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *memIndexStore) ListPendingChunks(ctx context.Context, limit int) ([]*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Chunk
	for _, c := range s.chunks {
		if c.EmbeddingStatus == EmbeddingStatusPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memIndexStore) UpdateEmbeddingStatus(ctx context.Context, ids []uuid.UUID, status EmbeddingStatus, model *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			c.EmbeddingStatus = status
			c.EmbeddingModel = model
		}
	}
	return nil
}

func (s *memIndexStore) MarkSourcePendingAsFailed(ctx context.Context, ref SourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if c.SourceType == ref.Type && c.SourceID == ref.ID && c.EmbeddingStatus == EmbeddingStatusPending {
			c.EmbeddingStatus = EmbeddingStatusFailed
		}
	}
	return nil
}

func (s *memIndexStore) DeleteChunksBySource(ctx context.Context, ref SourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.SourceType == ref.Type && c.SourceID == ref.ID {
			delete(s.chunks, id)
			delete(s.vectors, id)
		}
	}
	return nil
}

func (s *memIndexStore) GetSourceStatus(ctx context.Context, ref SourceRef) (*SourceIndexStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &SourceIndexStatus{}
	for _, c := range s.chunks {
		if c.SourceType != ref.Type || c.SourceID != ref.ID {
			continue
		}
		st.Total++
		switch c.EmbeddingStatus {
		case EmbeddingStatusPending:
			st.Pending++
		case EmbeddingStatusDone:
			st.Done++
		case EmbeddingStatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *memIndexStore) BatchInsertVectors(ctx context.Context, entries []VectorEntry) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.vectors[e.ChunkID] = e.Embedding
	}
	return nil
}

func (s *memIndexStore) UpsertSourceDocument(ctx context.Context, doc SourceDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[SourceRef{Type: doc.SourceType, ID: doc.SourceID}] = doc
	return nil
}

func (s *memIndexStore) DeleteSourceDocument(ctx context.Context, ref SourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, ref)
	return nil
}

type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	failWith string
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, int, error) {
	return []float32{float32(len(text)), 1}, len(text), nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	vectors := make([][]float32, len(texts))
	total := 0
	for i, text := range texts {
		if e.failWith != "" && strings.Contains(text, e.failWith) {
			return nil, 0, errors.New("embedding api error")
		}
		v, n, _ := e.Embed(ctx, text)
		vectors[i] = v
		total += n
	}
	return vectors, total, nil
}

func (e *stubEmbedder) ModelName() string { return "stub-embedding" }

type recordingInvalidator struct{ calls int }

func (r *recordingInvalidator) InvalidateScores(ctx context.Context) error {
	r.calls++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(store IndexStore, embedder Embedder, opts ...PipelineOption) *Pipeline {
	opts = append([]PipelineOption{
		WithPipelineLogger(discardLogger()),
		WithChunkConfig(chunk.Config{TargetTokens: 1000, MinTokens: 10}),
	}, opts...)
	return NewPipeline(store, embedder, opts...)
}

func TestPipeline_IngestMergesParagraphsAndMarksDone(t *testing.T) {
	store := newMemIndexStore(true)
	p := newTestPipeline(store, &stubEmbedder{})
	ref := SourceRef{Type: SourceTypeArticle, ID: "A"}

	res := p.Ingest(context.Background(), IngestRequest{
		SourceType: ref.Type,
		SourceID:   ref.ID,
		Text:       "Para one.\n\nPara two.",
		Metadata:   map[string]any{"title": "Article A"},
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.ChunksCreated)
	assert.Equal(t, 1, res.EmbeddingsGenerated)
	assert.Equal(t, len("Para one.\n\nPara two."), res.TotalTokens)

	chunks, err := p.Chunks(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Para one.\n\nPara two.", chunks[0].Content)
	assert.Equal(t, EmbeddingStatusDone, chunks[0].EmbeddingStatus)
	require.NotNil(t, chunks[0].EmbeddingModel)
	assert.Equal(t, "stub-embedding", *chunks[0].EmbeddingModel)
	assert.Contains(t, store.vectors, chunks[0].ID)
	assert.Equal(t, "Article A", store.docs[ref].Title)
}

func TestPipeline_ReingestReplacesChunks(t *testing.T) {
	store := newMemIndexStore(true)
	p := newTestPipeline(store, &stubEmbedder{}, WithChunkConfig(chunk.Config{TargetTokens: 3, MinTokens: 1}))
	ref := SourceRef{Type: SourceTypeBook, ID: "B"}
	ctx := context.Background()

	first := p.Ingest(ctx, IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "alpha one\n\nbeta two\n\ngamma three"})
	require.True(t, first.Success)
	require.Equal(t, 3, first.ChunksCreated)

	second := p.Ingest(ctx, IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "delta four"})
	require.True(t, second.Success)

	chunks, err := p.Chunks(ctx, ref)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "delta four", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Len(t, store.vectors, 1)
}

func TestPipeline_IngestEmptyText(t *testing.T) {
	store := newMemIndexStore(true)
	embedder := &stubEmbedder{}
	p := newTestPipeline(store, embedder)

	res := p.Ingest(context.Background(), IngestRequest{SourceType: SourceTypeArticle, SourceID: "E", Text: "  \n "})

	assert.True(t, res.Success)
	assert.Zero(t, res.ChunksCreated)
	assert.Zero(t, res.EmbeddingsGenerated)
	assert.Zero(t, embedder.calls)
}

func TestPipeline_IngestWithoutVectorIndex(t *testing.T) {
	store := newMemIndexStore(false)
	embedder := &stubEmbedder{}
	p := newTestPipeline(store, embedder)
	ref := SourceRef{Type: SourceTypeTranscript, ID: "T"}

	res := p.Ingest(context.Background(), IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "line one\nline two"})

	assert.True(t, res.Success)
	assert.Positive(t, res.ChunksCreated)
	assert.Zero(t, res.EmbeddingsGenerated)
	assert.Zero(t, embedder.calls)

	status, err := p.GetSourceIndexStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, status.Total, status.Pending)
}

func TestPipeline_IngestWithoutEmbedder(t *testing.T) {
	store := newMemIndexStore(true)
	p := newTestPipeline(store, nil)

	res := p.Ingest(context.Background(), IngestRequest{SourceType: SourceTypeHighlight, SourceID: "H", Text: "quote"})

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ChunksCreated)
	assert.Zero(t, res.EmbeddingsGenerated)
}

func TestPipeline_IngestEmbeddingFailureMarksFailed(t *testing.T) {
	store := newMemIndexStore(true)
	p := newTestPipeline(store, &stubEmbedder{failWith: "boom"})
	ref := SourceRef{Type: SourceTypeArticle, ID: "F"}

	res := p.Ingest(context.Background(), IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "boom goes the text"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "embedding api error")
	assert.Equal(t, 1, res.ChunksCreated)

	status, err := p.GetSourceIndexStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, SourceIndexStatus{Total: 1, Failed: 1}, *status)
}

func TestPipeline_IngestVectorInsertFailureMarksFailed(t *testing.T) {
	store := newMemIndexStore(true)
	store.insertErr = errors.New("insert failed")
	p := newTestPipeline(store, &stubEmbedder{})
	ref := SourceRef{Type: SourceTypeArticle, ID: "V"}

	res := p.Ingest(context.Background(), IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "text"})

	assert.False(t, res.Success)
	status, err := p.GetSourceIndexStatus(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Failed)
}

func TestPipeline_IngestRejectsUnknownSourceType(t *testing.T) {
	p := newTestPipeline(newMemIndexStore(true), &stubEmbedder{})

	res := p.Ingest(context.Background(), IngestRequest{SourceType: "podcast", SourceID: "x", Text: "t"})

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestPipeline_ProcessPendingChunks(t *testing.T) {
	store := newMemIndexStore(true)
	ctx := context.Background()

	// 縮退状態で投入して pending を溜める
	degraded := newTestPipeline(store, nil)
	for _, id := range []string{"1", "2", "3"} {
		res := degraded.Ingest(ctx, IngestRequest{SourceType: SourceTypeArticle, SourceID: id, Text: "content " + id})
		require.True(t, res.Success)
	}

	p := newTestPipeline(store, &stubEmbedder{})

	first, err := p.ProcessPendingChunks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Processed)
	assert.Zero(t, first.Failed)
	assert.Positive(t, first.TotalTokens)

	second, err := p.ProcessPendingChunks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Processed)

	third, err := p.ProcessPendingChunks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PendingResult{}, *third)
	assert.Len(t, store.vectors, 3)
}

func TestPipeline_ProcessPendingChunksFailsWholeBatch(t *testing.T) {
	store := newMemIndexStore(true)
	ctx := context.Background()
	degraded := newTestPipeline(store, nil)
	degraded.Ingest(ctx, IngestRequest{SourceType: SourceTypeArticle, SourceID: "a", Text: "fine"})
	degraded.Ingest(ctx, IngestRequest{SourceType: SourceTypeArticle, SourceID: "b", Text: "bad item"})

	p := newTestPipeline(store, &stubEmbedder{failWith: "bad"})
	res, err := p.ProcessPendingChunks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, PendingResult{Failed: 2}, *res)

	for _, id := range []string{"a", "b"} {
		status, err := p.GetSourceIndexStatus(ctx, SourceRef{Type: SourceTypeArticle, ID: id})
		require.NoError(t, err)
		assert.Equal(t, 1, status.Failed)
	}
}

func TestPipeline_ProcessPendingChunksWithoutVectorIndex(t *testing.T) {
	store := newMemIndexStore(false)
	p := newTestPipeline(store, &stubEmbedder{})
	p.Ingest(context.Background(), IngestRequest{SourceType: SourceTypeArticle, SourceID: "a", Text: "x"})

	res, err := p.ProcessPendingChunks(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, PendingResult{}, *res)
}

func TestPipeline_DrainPending(t *testing.T) {
	store := newMemIndexStore(true)
	ctx := context.Background()
	degraded := newTestPipeline(store, nil)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		degraded.Ingest(ctx, IngestRequest{SourceType: SourceTypeArticle, SourceID: id, Text: "text " + id})
	}

	p := newTestPipeline(store, &stubEmbedder{})
	total, err := p.DrainPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total.Processed)
}

func TestPipeline_RemoveIsIdempotent(t *testing.T) {
	store := newMemIndexStore(true)
	p := newTestPipeline(store, &stubEmbedder{})
	ref := SourceRef{Type: SourceTypeArticle, ID: "R"}
	ctx := context.Background()

	require.True(t, p.Ingest(ctx, IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "text"}).Success)
	require.NoError(t, p.Remove(ctx, ref))
	require.NoError(t, p.Remove(ctx, ref))

	status, err := p.GetSourceIndexStatus(ctx, ref)
	require.NoError(t, err)
	assert.Zero(t, status.Total)
	assert.Empty(t, store.vectors)
	assert.NotContains(t, store.docs, ref)
}

func TestPipeline_InitializeInvalidatesScoresOnReset(t *testing.T) {
	store := newMemIndexStore(true)
	store.report = MigrationReport{VectorAvailable: true, VectorsReset: true, ChunksReset: 4, Dimension: 2048}
	inv := &recordingInvalidator{}
	p := newTestPipeline(store, &stubEmbedder{}, WithScoreInvalidator(inv))

	report, err := p.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, report.VectorsReset)
	assert.Equal(t, 1, inv.calls)

	store.report = MigrationReport{VectorAvailable: true}
	_, err = p.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inv.calls)
}

func TestPipeline_IngestAndRemoveInvalidateScores(t *testing.T) {
	ctx := context.Background()
	store := newMemIndexStore(true)
	inv := &recordingInvalidator{}
	p := newTestPipeline(store, &stubEmbedder{}, WithScoreInvalidator(inv))
	ref := SourceRef{Type: SourceTypeArticle, ID: "a1"}

	require.True(t, p.Ingest(ctx, IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "old text"}).Success)
	assert.Equal(t, 1, inv.calls)

	require.True(t, p.Ingest(ctx, IngestRequest{SourceType: ref.Type, SourceID: ref.ID, Text: "new text"}).Success)
	assert.Equal(t, 2, inv.calls)

	require.NoError(t, p.Remove(ctx, ref))
	assert.Equal(t, 3, inv.calls)
}

func TestPipeline_InvalidRequestDoesNotInvalidateScores(t *testing.T) {
	inv := &recordingInvalidator{}
	p := newTestPipeline(newMemIndexStore(true), &stubEmbedder{}, WithScoreInvalidator(inv))

	res := p.Ingest(context.Background(), IngestRequest{SourceType: SourceTypeArticle})
	assert.False(t, res.Success)
	assert.Zero(t, inv.calls)
}
