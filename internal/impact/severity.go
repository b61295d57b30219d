package impact

import "github.com/kalambet/driftwatch/internal/storage"

// Severity thresholds. An impact is major when a large share of the pack's
// acceptance criteria is affected, or when most of the source changed and a
// meaningful share of criteria is affected.
const (
	MajorCriteriaRatio      = 0.4
	MajorChangedChunksRatio = 0.5
	MajorCriteriaFloor      = 0.2
	// CosmeticSimilarity is the average similarity above which a change made
	// only of modifications is treated as rewording.
	CosmeticSimilarity = 0.9
)

// SeverityInput is what Classify looks at for one pack.
type SeverityInput struct {
	AffectedCriteria int
	TotalCriteria    int
	Added            int
	Removed          int
	Modified         int
	PriorChunks      int
	// Similarities of the modified chunk pairs.
	Similarities []float64
}

// Classify grades a change for one pack. It never decreases as
// AffectedCriteria grows with everything else held constant.
func Classify(in SeverityInput) storage.Severity {
	changed := in.Removed + in.Modified
	if changed == 0 {
		return storage.SeverityMinor
	}

	acRatio := ratio(in.AffectedCriteria, in.TotalCriteria)
	changedRatio := ratio(changed, in.PriorChunks)
	if acRatio >= MajorCriteriaRatio || (changedRatio >= MajorChangedChunksRatio && acRatio >= MajorCriteriaFloor) {
		return storage.SeverityMajor
	}

	if in.Removed == 0 && len(in.Similarities) > 0 && mean(in.Similarities) >= CosmeticSimilarity {
		return storage.SeverityMinor
	}
	return storage.SeverityModerate
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	r := float64(n) / float64(d)
	if r > 1 {
		return 1
	}
	return r
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Notifies reports whether an impact of severity s is announced to the workspace.
func Notifies(s storage.Severity) bool {
	return s.Rank() >= storage.SeverityModerate.Rank()
}
