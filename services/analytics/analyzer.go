package main

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

// Baseline is a user's typical timing in milliseconds.
type Baseline struct {
	AvgDwell  float64 `json:"avg_dwell"`
	AvgFlight float64 `json:"avg_flight"`
	Samples   int     `json:"samples"`
}

// DefaultBaseline applies until a user has history.
var DefaultBaseline = Baseline{AvgDwell: 80, AvgFlight: 150}

// BaselineStore keeps per-user baselines.
type BaselineStore interface {
	Get(ctx context.Context, userID string) (Baseline, error)
	Update(ctx context.Context, userID string, f typing.Features) (Baseline, error)
}

// ResultStore records completed analyses.
type ResultStore interface {
	SaveAnalysis(ctx context.Context, a Analysis) error
}

// Analysis is the outcome for one batch.
type Analysis struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	RiskScore float64         `json:"risk_score"`
	Features  typing.Features `json:"features"`
	Baseline  Baseline        `json:"baseline"`
	CreatedAt time.Time       `json:"created_at"`
}

type Analyzer struct {
	baselines BaselineStore
	results   ResultStore
	minEvents int
	logger    *structlog.Logger
}

func NewAnalyzer(baselines BaselineStore, results ResultStore, minEvents int, logger *structlog.Logger) *Analyzer {
	if baselines == nil {
		baselines = staticBaselines{}
	}
	if minEvents <= 0 {
		minEvents = 5
	}
	return &Analyzer{baselines: baselines, results: results, minEvents: minEvents, logger: logger}
}

// Analyze scores batch against the user's baseline and then folds the batch
// into that baseline. Store failures degrade to the default baseline.
func (a *Analyzer) Analyze(ctx context.Context, batch typing.Batch) Analysis {
	log := a.logger.WithContext(ctx)
	f := typing.ExtractFeatures(batch.TypingData)

	base, err := a.baselines.Get(ctx, batch.UserID)
	if err != nil {
		log.Warn("baseline lookup failed, using default", structlog.Fields{"error": err})
		base = DefaultBaseline
	}

	res := Analysis{
		ID:        uuid.NewString(),
		UserID:    batch.UserID,
		RiskScore: riskScore(f, base, a.minEvents),
		Features:  f,
		Baseline:  base,
		CreatedAt: time.Now().UTC(),
	}

	if len(batch.TypingData) >= a.minEvents {
		if _, err := a.baselines.Update(ctx, batch.UserID, f); err != nil {
			log.Warn("baseline update failed", structlog.Fields{"error": err})
		}
	}
	if a.results != nil {
		if err := a.results.SaveAnalysis(ctx, res); err != nil {
			log.Error("failed to store analysis", structlog.Fields{"analysis_id": res.ID, "error": err})
		}
	}
	return res
}

// riskScore averages timing variance and deviation from baseline, clamped to
// [0, 1]. Short batches score a neutral 0.5.
func riskScore(f typing.Features, base Baseline, minEvents int) float64 {
	if f.Events < minEvents {
		return 0.5
	}
	flightDev, dwellDev := 0.0, 0.0
	if base.AvgFlight > 0 && f.Flight.Count > 0 {
		flightDev = math.Abs(f.Flight.Mean-base.AvgFlight) / base.AvgFlight
	}
	if base.AvgDwell > 0 && f.Dwell.Count > 0 {
		dwellDev = math.Abs(f.Dwell.Mean-base.AvgDwell) / base.AvgDwell
	}
	score := (f.Flight.Variance/1000 + f.Dwell.Variance/100 + flightDev + dwellDev) / 4
	return math.Max(0, math.Min(score, 1))
}

// blend folds f into b with weight alpha; the first sample replaces the default.
func blend(b Baseline, f typing.Features, alpha float64) Baseline {
	if b.Samples == 0 {
		alpha = 1
	}
	if f.Dwell.Count > 0 {
		b.AvgDwell = alpha*f.Dwell.Mean + (1-alpha)*b.AvgDwell
	}
	if f.Flight.Count > 0 {
		b.AvgFlight = alpha*f.Flight.Mean + (1-alpha)*b.AvgFlight
	}
	b.Samples++
	return b
}

type staticBaselines struct{}

func (staticBaselines) Get(context.Context, string) (Baseline, error) { return DefaultBaseline, nil }

func (staticBaselines) Update(context.Context, string, typing.Features) (Baseline, error) {
	return DefaultBaseline, nil
}
