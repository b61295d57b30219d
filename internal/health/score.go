// Package health scores how fresh and well-supported a pack is.
//
// Compute is pure: it turns five factor inputs and a weight vector into a
// score and status. Service loads those inputs from storage, persists the
// snapshot and schedules follow-up notifications.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/driftwatch/internal/storage"
)

// Status thresholds. Each is the inclusive lower bound of its band.
const (
	HealthyFrom = 80
	StaleFrom   = 60
	AtRiskFrom  = 40
)

// Factor saturation points.
const (
	DriftSaturation    = 20
	FeedbackSaturation = 5
	FreshFor           = 7 * 24 * time.Hour
	StaleAfter         = 90 * 24 * time.Hour
)

// Weights is the per-workspace factor weighting. Values need not sum to one;
// Normalize scales them.
type Weights struct {
	SourceDrift      float64 `json:"source_drift"`
	EvidenceCoverage float64 `json:"evidence_coverage"`
	QAPassRate       float64 `json:"qa_pass_rate"`
	DeliveryFeedback float64 `json:"delivery_feedback"`
	SourceAge        float64 `json:"source_age"`
}

var DefaultWeights = Weights{
	SourceDrift:      0.30,
	EvidenceCoverage: 0.25,
	QAPassRate:       0.20,
	DeliveryFeedback: 0.15,
	SourceAge:        0.10,
}

var ErrInvalidWeights = errors.New("invalid health weights")

func (w Weights) sum() float64 {
	return w.SourceDrift + w.EvidenceCoverage + w.QAPassRate + w.DeliveryFeedback + w.SourceAge
}

// Validate rejects negative weights and an all-zero vector.
func (w Weights) Validate() error {
	for _, v := range []float64{w.SourceDrift, w.EvidenceCoverage, w.QAPassRate, w.DeliveryFeedback, w.SourceAge} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: weights must be finite and non-negative", ErrInvalidWeights)
		}
	}
	if w.sum() == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrInvalidWeights)
	}
	return nil
}

// Normalize scales w to sum to one. An invalid vector yields DefaultWeights.
func (w Weights) Normalize() Weights {
	if w.Validate() != nil {
		return DefaultWeights
	}
	s := w.sum()
	return Weights{
		SourceDrift:      w.SourceDrift / s,
		EvidenceCoverage: w.EvidenceCoverage / s,
		QAPassRate:       w.QAPassRate / s,
		DeliveryFeedback: w.DeliveryFeedback / s,
		SourceAge:        w.SourceAge / s,
	}
}

// ParseWeights decodes a stored weight vector. Empty input means defaults.
func ParseWeights(raw string) (Weights, error) {
	if raw == "" {
		return DefaultWeights, nil
	}
	var w Weights
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Weights{}, fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// Inputs are the raw counts a score is computed from. HasVersion is false
// for a pack that has never been generated.
type Inputs struct {
	HasVersion          bool
	DiffsSinceVersion   int
	Criteria            int
	CriteriaWithHigh    int
	Stories             int
	StoriesWithoutFlags int
	UnresolvedFeedback  int
	// LastUpdate is the newest contributing source update, or the pack
	// version's creation time when no source is attached.
	LastUpdate time.Time
}

// Factors are the five 0..100 sub-scores.
type Factors struct {
	SourceDrift      float64
	EvidenceCoverage float64
	QAPassRate       float64
	DeliveryFeedback float64
	SourceAge        float64
}

type Result struct {
	Score   int
	Status  storage.HealthStatus
	Factors Factors
}

// Compute scores in. The result does not depend on anything but its
// arguments.
func Compute(in Inputs, w Weights, now time.Time) Result {
	if !in.HasVersion {
		return Result{Score: 100, Status: storage.HealthHealthy, Factors: Factors{100, 100, 100, 100, 100}}
	}
	f := Factors{
		SourceDrift:      linearPenalty(in.DiffsSinceVersion, DriftSaturation),
		EvidenceCoverage: percent(in.CriteriaWithHigh, in.Criteria),
		QAPassRate:       percent(in.StoriesWithoutFlags, in.Stories),
		DeliveryFeedback: linearPenalty(in.UnresolvedFeedback, FeedbackSaturation),
		SourceAge:        ageFactor(now.Sub(in.LastUpdate)),
	}
	w = w.Normalize()
	raw := f.SourceDrift*w.SourceDrift +
		f.EvidenceCoverage*w.EvidenceCoverage +
		f.QAPassRate*w.QAPassRate +
		f.DeliveryFeedback*w.DeliveryFeedback +
		f.SourceAge*w.SourceAge
	score := int(math.Round(clamp(raw)))
	return Result{Score: score, Status: StatusFor(score), Factors: f}
}

// StatusFor maps a score to its band.
func StatusFor(score int) storage.HealthStatus {
	switch {
	case score >= HealthyFrom:
		return storage.HealthHealthy
	case score >= StaleFrom:
		return storage.HealthStale
	case score >= AtRiskFrom:
		return storage.HealthAtRisk
	default:
		return storage.HealthOutdated
	}
}

// rank orders statuses from best (0) to worst. Unknown statuses, including
// a pack that was never scored, rank as healthy.
func rank(s storage.HealthStatus) int {
	switch s {
	case storage.HealthStale:
		return 1
	case storage.HealthAtRisk:
		return 2
	case storage.HealthOutdated:
		return 3
	default:
		return 0
	}
}

// Degraded reports whether moving from one status to another is a downgrade.
func Degraded(from, to storage.HealthStatus) bool {
	return rank(to) > rank(from)
}

func linearPenalty(count, saturation int) float64 {
	if count <= 0 {
		return 100
	}
	if count >= saturation {
		return 0
	}
	return 100 * float64(saturation-count) / float64(saturation)
}

// percent returns 100 when there is nothing to measure.
func percent(part, whole int) float64 {
	if whole <= 0 {
		return 100
	}
	return clamp(100 * float64(part) / float64(whole))
}

func ageFactor(age time.Duration) float64 {
	switch {
	case age <= FreshFor:
		return 100
	case age >= StaleAfter:
		return 0
	}
	return 100 * float64(StaleAfter-age) / float64(StaleAfter-FreshFor)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
