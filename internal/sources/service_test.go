package sources

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/driftwatch/internal/chunker"
	"github.com/kalambet/driftwatch/internal/extract"
	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/storage"
	"github.com/kalambet/driftwatch/internal/storage/storagetest"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

const (
	paraA = "The system exports reports as CSV every night."
	paraB = "Administrators can deactivate user accounts."
	paraC = "Audit logs are retained for ninety days."
)

func newService(t *testing.T) (*Service, *storage.Store, *fakeEmbedder) {
	st := storagetest.Open(t)
	storagetest.NewSeeder(t, st).Project("proj", "ws")
	emb := &fakeEmbedder{}
	svc := NewService(st, jobs.NewBus(st, nil), chunker.New(chunker.WithMaxChars(60), chunker.WithOverlap(0)), emb, nil, Config{})
	return svc, st, emb
}

func onlyJob(t *testing.T, st *storage.Store, typ string) storage.Job {
	t.Helper()
	js, err := st.ListJobs(context.Background(), typ)
	require.NoError(t, err)
	require.Len(t, js, 1, "jobs of type %s", typ)
	return js[0]
}

func TestIngest(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	out, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Title: "PRD", Content: paraA + "\r\n\r\n" + paraB})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Chunks)
	assert.Equal(t, "document", out.Source.Kind)

	src, err := st.GetSource(ctx, out.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceProcessing, src.Status)
	assert.Equal(t, paraA+"\n\n"+paraB, src.Content)
	assert.Equal(t, Hash(src.Content), src.ContentHash)

	vers, err := st.ListVersions(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, vers, 1)
	assert.Equal(t, 1, vers[0].Seq)
	assert.Equal(t, vers[0].ID, src.CurrentVersionID)

	chunks, err := st.ListChunks(ctx, src.ID, src.CurrentVersionID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, paraB, chunks[1].Content)

	job := onlyJob(t, st, jobs.SourceChunksCreated)
	p, err := jobs.Decode[jobs.ChunksPayload](job)
	require.NoError(t, err)
	assert.Equal(t, jobs.ChunksPayload{SourceID: src.ID, ProjectID: "proj", VersionID: src.CurrentVersionID}, p)
}

func TestIngest_Rejects(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: "  too short \n"})
	assert.ErrorIs(t, err, ErrInsufficientContent)

	_, err = svc.Ingest(ctx, IngestRequest{ProjectID: "missing", Content: paraA})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestDocument_HTML(t *testing.T) {
	svc, st, _ := newService(t)
	html := "<html><body><h1>Exports</h1><p>" + paraA + "</p><script>x()</script></body></html>"

	out, err := svc.IngestDocument(context.Background(), "proj", "document", "page", []byte(html), "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, extract.QualityLow, out.Quality, "short pages grade low")

	src, err := st.GetSource(context.Background(), out.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, "Exports\n\n"+paraA, src.Content)
}

func TestIngestDocument_Unsupported(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.IngestDocument(context.Background(), "proj", "document", "x", []byte{1, 2}, "image/png")
	assert.ErrorIs(t, err, extract.ErrUnsupported)
}

func TestReplace_SameHashIsNoop(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA})
	require.NoError(t, err)

	out, err := svc.Replace(ctx, in.Source.ID, paraA+"\n", "")
	require.NoError(t, err)
	assert.False(t, out.Changed)

	vers, err := st.ListVersions(ctx, in.Source.ID)
	require.NoError(t, err)
	assert.Len(t, vers, 1)
	js, err := st.ListJobs(ctx, jobs.SourceVersionCreated)
	require.NoError(t, err)
	assert.Empty(t, js)
}

func TestReplace_StoresHashOfNormalizedContent(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA})
	require.NoError(t, err)

	out, err := svc.Replace(ctx, in.Source.ID, "  "+paraB+"\n\n", "sha256-of-upstream-bytes")
	require.NoError(t, err)
	require.True(t, out.Changed)

	src, err := st.GetSource(ctx, in.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, Hash(src.Content), src.ContentHash)
	v, err := st.GetVersion(ctx, out.NewVersionID)
	require.NoError(t, err)
	assert.Equal(t, Hash(v.Content), v.ContentHash)

	again, err := svc.Replace(ctx, in.Source.ID, "different text that is long enough to count", src.ContentHash)
	require.NoError(t, err)
	assert.False(t, again.Changed, "a matching caller hash skips the replace")
}

func TestReplace_SnapshotsBothVersions(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA + "\n\n" + paraB})
	require.NoError(t, err)
	oldGen := in.Source.CurrentVersionID

	out, err := svc.Replace(ctx, in.Source.ID, paraA+"\n\n"+paraC, "")
	require.NoError(t, err)
	require.True(t, out.Changed)

	vers, err := st.ListVersions(ctx, in.Source.ID)
	require.NoError(t, err)
	require.Len(t, vers, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{vers[0].Seq, vers[1].Seq, vers[2].Seq})
	assert.Equal(t, out.PreviousVersionID, vers[1].ID)
	assert.Equal(t, paraA+"\n\n"+paraB, vers[1].Content)
	assert.Equal(t, out.NewVersionID, vers[2].ID)
	assert.Equal(t, paraA+"\n\n"+paraC, vers[2].Content)

	src, err := st.GetSource(ctx, in.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, out.NewVersionID, src.CurrentVersionID)
	assert.Equal(t, vers[2].ContentHash, src.ContentHash)

	n, err := st.CountChunks(ctx, in.Source.ID, oldGen)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "old generation survives until propagation")
	n, err = st.CountChunks(ctx, in.Source.ID, out.NewVersionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := jobs.Decode[jobs.VersionPayload](onlyJob(t, st, jobs.SourceVersionCreated))
	require.NoError(t, err)
	assert.Equal(t, jobs.VersionPayload{
		SourceID:          in.Source.ID,
		PreviousVersionID: out.PreviousVersionID,
		OldGenerationID:   oldGen,
		NewVersionID:      out.NewVersionID,
	}, p)

	created, err := st.ListJobs(ctx, jobs.SourceChunksCreated)
	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestReplace_InsufficientContent(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA})
	require.NoError(t, err)

	_, err = svc.Replace(ctx, in.Source.ID, "tiny", "")
	assert.ErrorIs(t, err, ErrInsufficientContent)

	vers, err := st.ListVersions(ctx, in.Source.ID)
	require.NoError(t, err)
	assert.Len(t, vers, 1)
}

func TestReplace_UnknownSource(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Replace(context.Background(), "nope", paraA, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandleChunksCreated(t *testing.T) {
	svc, st, emb := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA + "\n\n" + paraB})
	require.NoError(t, err)

	require.NoError(t, svc.HandleChunksCreated(ctx, onlyJob(t, st, jobs.SourceChunksCreated)))
	assert.Equal(t, 1, emb.calls)

	left, err := st.ListUnembeddedChunks(ctx, in.Source.ID, in.Version.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	src, err := st.GetSource(ctx, in.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceCompleted, src.Status)

	p, err := jobs.Decode[jobs.ChunksPayload](onlyJob(t, st, jobs.SourceChunksEmbedded))
	require.NoError(t, err)
	assert.Equal(t, in.Version.ID, p.VersionID)
	assert.Equal(t, "proj", p.ProjectID)

	// A rerun finds nothing to embed and does not publish twice.
	require.NoError(t, svc.HandleChunksCreated(ctx, onlyJob(t, st, jobs.SourceChunksCreated)))
	assert.Equal(t, 1, emb.calls)
}

func TestHandleChunksCreated_SupersededGeneration(t *testing.T) {
	svc, st, emb := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA})
	require.NoError(t, err)
	_, err = svc.Replace(ctx, in.Source.ID, paraB, "")
	require.NoError(t, err)

	job, _, err := jobs.NewBus(st, nil).Enqueue(ctx, chunksCreated(in.Source, in.Version.ID))
	require.NoError(t, err)
	err = svc.HandleChunksCreated(ctx, job)
	reason, ok := jobs.SkipReason(err)
	require.True(t, ok, "got %v", err)
	assert.True(t, strings.Contains(reason, "superseded"))
	assert.Zero(t, emb.calls)
}

func TestHandleChunksCreated_EmbedFailure(t *testing.T) {
	svc, st, emb := newService(t)
	ctx := context.Background()
	in, err := svc.Ingest(ctx, IngestRequest{ProjectID: "proj", Content: paraA})
	require.NoError(t, err)
	emb.err = errors.New("ollama down")

	job := onlyJob(t, st, jobs.SourceChunksCreated)
	require.Error(t, svc.HandleChunksCreated(ctx, job))
	src, _ := st.GetSource(ctx, in.Source.ID)
	assert.Equal(t, storage.SourceProcessing, src.Status, "earlier attempts keep the source processing")

	job.Attempts = job.MaxAttempts - 1
	require.Error(t, svc.HandleChunksCreated(ctx, job))
	src, _ = st.GetSource(ctx, in.Source.ID)
	assert.Equal(t, storage.SourceFailed, src.Status)
}
