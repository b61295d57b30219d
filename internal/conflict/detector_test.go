package conflict

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/driftwatch/internal/jobs"
	"github.com/kalambet/driftwatch/internal/judge"
	"github.com/kalambet/driftwatch/internal/retrieval"
	"github.com/kalambet/driftwatch/internal/storage"
	"github.com/kalambet/driftwatch/internal/storage/storagetest"
)

type mockJudge struct {
	mu      sync.Mutex
	calls   [][]judge.Pair
	judgeFn func(pairs []judge.Pair) ([]judge.Verdict, error)
}

func (m *mockJudge) BatchSize() int { return judge.DefaultBatchSize }

func (m *mockJudge) JudgeConflicts(_ context.Context, pairs []judge.Pair) ([]judge.Verdict, error) {
	m.mu.Lock()
	m.calls = append(m.calls, pairs)
	m.mu.Unlock()
	return m.judgeFn(pairs)
}

// contradictAll confirms every pair.
func contradictAll(pairs []judge.Pair) ([]judge.Verdict, error) {
	out := make([]judge.Verdict, len(pairs))
	for i, p := range pairs {
		out[i] = judge.Verdict{Index: p.Index, Contradicts: true, Confidence: 0.9, Summary: "disagree"}
	}
	return out, nil
}

func setup(t *testing.T, fn func([]judge.Pair) ([]judge.Verdict, error)) (*Detector, *storagetest.Seeder, *mockJudge) {
	st := storagetest.Open(t)
	seed := storagetest.NewSeeder(t, st)
	seed.Project("proj", "ws")
	m := &mockJudge{judgeFn: fn}
	return NewDetector(st, jobs.NewBus(st, nil), m, Config{}), seed, m
}

func TestDetect_RecordsConfirmedPairs(t *testing.T) {
	d, seed, m := setup(t, func(pairs []judge.Pair) ([]judge.Verdict, error) {
		var out []judge.Verdict
		for _, p := range pairs {
			switch text := p.TextA + "|" + p.TextB; {
			case strings.Contains(text, "Exports run hourly."):
				out = append(out, judge.Verdict{Index: p.Index, Contradicts: true, Confidence: 0.8, Summary: "nightly vs hourly"})
			case strings.Contains(text, "Exports might run hourly."):
				out = append(out, judge.Verdict{Index: p.Index, Contradicts: true, Confidence: 0.3})
			default:
				out = append(out, judge.Verdict{Index: p.Index, Contradicts: false, Confidence: 0.9})
			}
		}
		return out, nil
	})
	seed.Source("prd", "proj", "Exports run nightly.")
	seed.Source("mail", "proj", "Exports run hourly.", "Exports might run hourly.", "Exports are great.", "Unrelated.")
	seed.Embed("prd-c0", 1, 0)
	seed.Embed("mail-c0", 1, 0.01)
	seed.Embed("mail-c1", 1, 0.02)
	seed.Embed("mail-c2", 1, 0.03)
	seed.Embed("mail-c3", 0, 1)

	res, err := d.Detect(context.Background(), "proj", "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	require.Len(t, res.Created, 1)
	c := res.Created[0]
	a, b := storage.OrderPair("prd-c0", "mail-c0")
	assert.Equal(t, [2]string{a, b}, [2]string{c.ChunkAID, c.ChunkBID})
	assert.Equal(t, "nightly vs hourly", c.Summary)
	require.Len(t, m.calls, 1)

	js, err := seed.Store.ListJobs(context.Background(), jobs.NotifyConflict)
	require.NoError(t, err)
	require.Len(t, js, 1)
	p, err := jobs.Decode[jobs.ConflictPayload](js[0])
	require.NoError(t, err)
	assert.Equal(t, c.ID, p.ConflictID)
}

func TestDetect_SecondRunAddsNothing(t *testing.T) {
	d, seed, m := setup(t, contradictAll)
	seed.Source("a", "proj", "Passwords need 8 characters.")
	seed.Source("b", "proj", "Passwords need 12 characters.")
	seed.Embed("a-c0", 1, 1)
	seed.Embed("b-c0", 1, 1)
	ctx := context.Background()

	first, err := d.Detect(ctx, "proj", "")
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := d.Detect(ctx, "proj", "")
	require.NoError(t, err)
	assert.Zero(t, second.Candidates)
	assert.Empty(t, second.Created)
	assert.Len(t, m.calls, 1)

	all, err := seed.Store.ListConflicts(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDetect_ExistingReversedPairIsNotDuplicated(t *testing.T) {
	d, seed, _ := setup(t, contradictAll)
	seed.Source("a", "proj", "Passwords need 8 characters.")
	seed.Source("b", "proj", "Passwords need 12 characters.")
	seed.Embed("a-c0", 1, 1)
	seed.Embed("b-c0", 1, 1)
	ctx := context.Background()

	// Another run recorded the pair between candidate selection and insert.
	c := confirmation{
		pair:    pairOf(t, seed, "b-c0", "a-c0"),
		verdict: judge.Verdict{Contradicts: true, Confidence: 0.9},
	}
	first, err := d.record(ctx, "proj", c)
	require.NoError(t, err)
	require.NotNil(t, first)
	again, err := d.record(ctx, "proj", confirmation{pair: pairOf(t, seed, "a-c0", "b-c0"), verdict: c.verdict})
	require.NoError(t, err)
	assert.Nil(t, again)

	all, err := seed.Store.ListConflicts(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDetect_FailedBatchYieldsNothing(t *testing.T) {
	d, seed, m := setup(t, func(pairs []judge.Pair) ([]judge.Verdict, error) {
		if len(pairs) == judge.DefaultBatchSize {
			return nil, errors.New("model timed out")
		}
		return contradictAll(pairs)
	})
	seed.Source("a", "proj", "a one", "a two", "a three", "a four")
	seed.Source("b", "proj", "b one", "b two", "b three")
	for _, id := range []string{"a-c0", "a-c1", "a-c2", "a-c3", "b-c0", "b-c1", "b-c2"} {
		seed.Embed(id, 1, 1)
	}

	res, err := d.Detect(context.Background(), "proj", "")
	require.NoError(t, err)
	assert.Equal(t, 12, res.Candidates)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Len(t, res.Created, 2)
	assert.Len(t, m.calls, 2)
}

func TestDetect_SkipsUnembeddedAndSameSource(t *testing.T) {
	d, seed, m := setup(t, contradictAll)
	seed.Source("a", "proj", "first", "second")
	seed.Source("b", "proj", "pending")
	seed.Embed("a-c0", 1, 1)
	seed.Embed("a-c1", 1, 1)

	res, err := d.Detect(context.Background(), "proj", "")
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Empty(t, m.calls)
}

func TestDetect_ScopedToSource(t *testing.T) {
	d, seed, _ := setup(t, contradictAll)
	seed.Source("a", "proj", "x")
	seed.Source("b", "proj", "y")
	seed.Source("c", "proj", "z")
	for _, id := range []string{"a-c0", "b-c0", "c-c0"} {
		seed.Embed(id, 1, 1)
	}

	res, err := d.Detect(context.Background(), "proj", "c")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	for _, c := range res.Created {
		assert.True(t, c.ChunkAID == "c-c0" || c.ChunkBID == "c-c0")
	}
}

func TestHandleChunksEmbedded(t *testing.T) {
	d, seed, _ := setup(t, contradictAll)
	seed.Source("a", "proj", "x")
	seed.Source("b", "proj", "y")
	seed.Embed("a-c0", 1, 1)
	seed.Embed("b-c0", 1, 1)
	ctx := context.Background()

	bus := jobs.NewBus(seed.Store, nil)
	job, _, err := bus.Enqueue(ctx, jobs.Event{
		Name:    jobs.SourceChunksEmbedded,
		Payload: jobs.ChunksPayload{SourceID: "b", ProjectID: "proj", VersionID: "b-v1"},
	})
	require.NoError(t, err)
	require.NoError(t, d.HandleChunksEmbedded(ctx, job))

	all, err := seed.Store.ListConflicts(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func pairOf(t *testing.T, seed *storagetest.Seeder, a, b string) retrieval.Pair {
	t.Helper()
	ca, err := seed.Store.GetChunk(context.Background(), a)
	require.NoError(t, err)
	cb, err := seed.Store.GetChunk(context.Background(), b)
	require.NoError(t, err)
	return retrieval.Pair{A: ca, B: cb}
}
