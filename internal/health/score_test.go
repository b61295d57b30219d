package health

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/driftwatch/internal/storage"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fresh() Inputs {
	return Inputs{
		HasVersion:          true,
		Criteria:            4,
		CriteriaWithHigh:    4,
		Stories:             2,
		StoriesWithoutFlags: 2,
		LastUpdate:          now.Add(-time.Hour),
	}
}

func TestCompute_EmptyPack(t *testing.T) {
	res := Compute(Inputs{}, DefaultWeights, now)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, storage.HealthHealthy, res.Status)
	assert.Equal(t, Factors{100, 100, 100, 100, 100}, res.Factors)
}

func TestCompute_FreshPackIsPerfect(t *testing.T) {
	res := Compute(fresh(), DefaultWeights, now)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, storage.HealthHealthy, res.Status)
}

func TestCompute_Factors(t *testing.T) {
	in := fresh()
	in.DiffsSinceVersion = 5
	in.CriteriaWithHigh = 1
	in.StoriesWithoutFlags = 1
	in.UnresolvedFeedback = 2
	in.LastUpdate = now.Add(-(FreshFor + (StaleAfter-FreshFor)/2))

	res := Compute(in, DefaultWeights, now)
	assert.InDelta(t, 75, res.Factors.SourceDrift, 1e-9)
	assert.InDelta(t, 25, res.Factors.EvidenceCoverage, 1e-9)
	assert.InDelta(t, 50, res.Factors.QAPassRate, 1e-9)
	assert.InDelta(t, 60, res.Factors.DeliveryFeedback, 1e-9)
	assert.InDelta(t, 50, res.Factors.SourceAge, 1e-9)
	// 22.5 + 6.25 + 10 + 9 + 5
	assert.Equal(t, 53, res.Score)
	assert.Equal(t, storage.HealthAtRisk, res.Status)
}

func TestCompute_Saturation(t *testing.T) {
	in := fresh()
	in.DiffsSinceVersion = 200
	in.UnresolvedFeedback = 9
	in.LastUpdate = now.Add(-365 * 24 * time.Hour)
	in.CriteriaWithHigh = 0
	in.StoriesWithoutFlags = 0

	res := Compute(in, DefaultWeights, now)
	assert.Equal(t, Factors{}, res.Factors)
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, storage.HealthOutdated, res.Status)
}

func TestCompute_NoArtifactsCountsAsCovered(t *testing.T) {
	in := Inputs{HasVersion: true, LastUpdate: now}
	res := Compute(in, DefaultWeights, now)
	assert.Equal(t, 100.0, res.Factors.EvidenceCoverage)
	assert.Equal(t, 100.0, res.Factors.QAPassRate)
}

func TestCompute_AlwaysInBounds(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		criteria := r.IntN(30)
		stories := r.IntN(10)
		in := Inputs{
			HasVersion:          true,
			DiffsSinceVersion:   r.IntN(40),
			Criteria:            criteria,
			CriteriaWithHigh:    r.IntN(criteria + 1),
			Stories:             stories,
			StoriesWithoutFlags: r.IntN(stories + 1),
			UnresolvedFeedback:  r.IntN(10),
			LastUpdate:          now.Add(-time.Duration(r.IntN(200*24)) * time.Hour),
		}
		w := Weights{r.Float64(), r.Float64(), r.Float64(), r.Float64(), r.Float64() + 0.01}
		res := Compute(in, w, now)
		require.GreaterOrEqual(t, res.Score, 0)
		require.LessOrEqual(t, res.Score, 100)
		require.Equal(t, StatusFor(res.Score), res.Status)
	}
}

func TestStatusFor_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  storage.HealthStatus
	}{
		{100, storage.HealthHealthy},
		{80, storage.HealthHealthy},
		{79, storage.HealthStale},
		{60, storage.HealthStale},
		{59, storage.HealthAtRisk},
		{40, storage.HealthAtRisk},
		{39, storage.HealthOutdated},
		{0, storage.HealthOutdated},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.score), "score %d", tt.score)
	}
}

func TestDegraded(t *testing.T) {
	assert.True(t, Degraded(storage.HealthHealthy, storage.HealthStale))
	assert.True(t, Degraded("", storage.HealthOutdated))
	assert.False(t, Degraded(storage.HealthAtRisk, storage.HealthStale))
	assert.False(t, Degraded(storage.HealthStale, storage.HealthStale))
	assert.False(t, Degraded("", storage.HealthHealthy))
}

func TestWeights(t *testing.T) {
	w, err := ParseWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights, w)

	w, err = ParseWeights(`{"source_drift": 2, "evidence_coverage": 2}`)
	require.NoError(t, err)
	n := w.Normalize()
	assert.InDelta(t, 0.5, n.SourceDrift, 1e-9)
	assert.InDelta(t, 0.5, n.EvidenceCoverage, 1e-9)
	assert.Zero(t, n.SourceAge)

	_, err = ParseWeights(`{"source_drift": -1, "source_age": 2}`)
	assert.ErrorIs(t, err, ErrInvalidWeights)
	_, err = ParseWeights(`{}`)
	assert.ErrorIs(t, err, ErrInvalidWeights)
	_, err = ParseWeights(`not json`)
	assert.ErrorIs(t, err, ErrInvalidWeights)

	assert.Equal(t, DefaultWeights, Weights{}.Normalize())
}

func TestCompute_OnlyDriftWeighted(t *testing.T) {
	in := fresh()
	in.DiffsSinceVersion = 10
	in.CriteriaWithHigh = 0
	res := Compute(in, Weights{SourceDrift: 1}, now)
	assert.Equal(t, 50, res.Score)
	assert.Equal(t, storage.HealthAtRisk, res.Status)
}
