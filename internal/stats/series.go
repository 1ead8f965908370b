package stats

import (
	"math"

	"trainkeeper/internal/model"
)

// SeriesSummary describes the metric trajectory of one run.
type SeriesSummary struct {
	Epochs      int     `json:"epochs"`
	Initial     float64 `json:"initial"`
	Final       float64 `json:"final"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	NewBests    int     `json:"new_bests"`
	Improvement float64 `json:"improvement"`
}

// SummarizeSeries reduces a run's epoch history. Improvement is measured
// from the first epoch to the best one, in the direction the run ranked by.
func SummarizeSeries(history []model.EpochRecord, higherIsBetter bool) SeriesSummary {
	if len(history) == 0 {
		return SeriesSummary{}
	}
	values := make([]float64, len(history))
	summary := SeriesSummary{Epochs: len(history)}
	for i, record := range history {
		values[i] = record.Metric
		if record.Best {
			summary.NewBests++
		}
	}
	summary.Initial = values[0]
	summary.Final = values[len(values)-1]
	summary.Mean, summary.Std = meanStd(values)
	summary.Min, summary.Max = values[0], values[0]
	for _, v := range values[1:] {
		summary.Min = math.Min(summary.Min, v)
		summary.Max = math.Max(summary.Max, v)
	}
	if higherIsBetter {
		summary.Improvement = summary.Max - summary.Initial
	} else {
		summary.Improvement = summary.Initial - summary.Min
	}
	return summary
}

func meanStd(values []float64) (float64, float64) {
	total := 0.0
	for _, v := range values {
		total += v
	}
	mean := total / float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
