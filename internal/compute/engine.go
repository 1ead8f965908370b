// Package compute declares the collaborators the training supervisor
// drives but never implements: the numeric engine and its optimizer state.
package compute

import (
	"context"

	"trainkeeper/internal/model"
)

// Optimizer is opaque optimizer state threaded through successive train
// steps. Implementations return a new value from each step.
type Optimizer interface {
	Name() string
}

// OptimizerFactory creates the initial optimizer state for a model.
type OptimizerFactory func(m model.Model) (Optimizer, error)

// Engine performs the model's forward and backward computation on datasets
// of type D. All calls block until the computation is complete.
type Engine[D any] interface {
	// Run evaluates m on data and returns per-example loss terms.
	Run(ctx context.Context, m model.Model, data D, batchSize int) ([]float64, error)
	// TrainStep performs one epoch of updates over data.
	TrainStep(ctx context.Context, m model.Model, data D, opt Optimizer, batchSize int) (model.Model, Optimizer, error)
	// LossSum reduces raw loss terms to the scalar fitness metric.
	LossSum(terms []float64) float64
}
