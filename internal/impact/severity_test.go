package impact

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalambet/driftwatch/internal/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   SeverityInput
		want storage.Severity
	}{
		{"additions only", SeverityInput{AffectedCriteria: 3, TotalCriteria: 5, Added: 4, PriorChunks: 10}, storage.SeverityMinor},
		{"two of ten removed, one of five criteria", SeverityInput{AffectedCriteria: 1, TotalCriteria: 5, Removed: 2, PriorChunks: 10}, storage.SeverityModerate},
		{"two of five criteria", SeverityInput{AffectedCriteria: 2, TotalCriteria: 5, Removed: 1, PriorChunks: 10}, storage.SeverityMajor},
		{"most chunks changed", SeverityInput{AffectedCriteria: 1, TotalCriteria: 5, Removed: 3, Modified: 3, PriorChunks: 10}, storage.SeverityMajor},
		{"most chunks changed, few criteria", SeverityInput{AffectedCriteria: 1, TotalCriteria: 10, Removed: 6, PriorChunks: 10}, storage.SeverityModerate},
		{"rewording", SeverityInput{AffectedCriteria: 1, TotalCriteria: 10, Modified: 2, PriorChunks: 10, Similarities: []float64{0.95, 0.97}}, storage.SeverityMinor},
		{"rewrite", SeverityInput{AffectedCriteria: 1, TotalCriteria: 10, Modified: 2, PriorChunks: 10, Similarities: []float64{0.6, 0.97}}, storage.SeverityModerate},
		{"rewording plus removal", SeverityInput{AffectedCriteria: 1, TotalCriteria: 10, Modified: 1, Removed: 1, PriorChunks: 10, Similarities: []float64{0.99}}, storage.SeverityModerate},
		{"no criteria in pack", SeverityInput{TotalCriteria: 0, Removed: 1, PriorChunks: 4}, storage.SeverityModerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestClassify_MonotonicInAffectedCriteria(t *testing.T) {
	bases := []SeverityInput{
		{TotalCriteria: 20, Removed: 2, PriorChunks: 10},
		{TotalCriteria: 20, Modified: 3, PriorChunks: 10, Similarities: []float64{0.95, 0.92, 0.99}},
		{TotalCriteria: 20, Removed: 4, Modified: 4, PriorChunks: 10, Similarities: []float64{0.5, 0.5, 0.5, 0.5}},
		{TotalCriteria: 20, Added: 5, PriorChunks: 10},
	}
	for _, base := range bases {
		prev := 0
		for n := 0; n <= base.TotalCriteria; n++ {
			in := base
			in.AffectedCriteria = n
			rank := Classify(in).Rank()
			assert.GreaterOrEqual(t, rank, prev, "affected=%d input=%+v", n, base)
			prev = rank
		}
	}
}

func TestNotifies(t *testing.T) {
	assert.False(t, Notifies(storage.SeverityMinor))
	assert.True(t, Notifies(storage.SeverityModerate))
	assert.True(t, Notifies(storage.SeverityMajor))
}
