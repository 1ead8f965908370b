// Package linear is a small reference compute engine: a linear model fit by
// mini-batch SGD with momentum on squared error.
package linear

import (
	"context"
	"errors"
	"fmt"

	"trainkeeper/internal/compute"
	"trainkeeper/internal/model"
)

// Batch is one dataset: rows of features and their targets.
type Batch struct {
	X [][]float64
	Y []float64
}

func (b Batch) Len() int { return len(b.Y) }

// SGD is the optimizer state. Velocity is copied on every step.
type SGD struct {
	LearningRate float64
	Momentum     float64
	Steps        int
	velocity     []float64
}

func (s SGD) Name() string { return "sgd" }

// NewSGD returns an optimizer factory with the given hyperparameters.
func NewSGD(learningRate, momentum float64) compute.OptimizerFactory {
	return func(m model.Model) (compute.Optimizer, error) {
		if learningRate <= 0 {
			return nil, errors.New("learning rate must be > 0")
		}
		if momentum < 0 || momentum >= 1 {
			return nil, errors.New("momentum must be in [0, 1)")
		}
		weights, err := decodeWeights(m.Payload)
		if err != nil {
			return nil, err
		}
		return SGD{LearningRate: learningRate, Momentum: momentum, velocity: make([]float64, len(weights))}, nil
	}
}

// NewModel returns a fresh model with all weights zero.
func NewModel(dims int) model.Model {
	if dims < 0 {
		dims = 0
	}
	return model.Model{
		Payload:        encodeWeights(make([]float64, dims+1)),
		ParameterCount: dims + 1,
	}
}

// Weights decodes the weights of m; the last element is the bias.
func Weights(m model.Model) ([]float64, error) {
	return decodeWeights(m.Payload)
}

type Engine struct{}

var _ compute.Engine[Batch] = Engine{}

// Run returns the squared error of every example in data.
func (Engine) Run(ctx context.Context, m model.Model, data Batch, _ int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	weights, err := decodeWeights(m.Payload)
	if err != nil {
		return nil, err
	}
	if err := checkBatch(data, len(weights)-1); err != nil {
		return nil, err
	}
	terms := make([]float64, data.Len())
	for i, x := range data.X {
		diff := predict(weights, x) - data.Y[i]
		terms[i] = diff * diff
	}
	return terms, nil
}

// LossSum is the mean of the terms, or zero for an empty dataset.
func (Engine) LossSum(terms []float64) float64 {
	if len(terms) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range terms {
		total += v
	}
	return total / float64(len(terms))
}

func (Engine) TrainStep(ctx context.Context, m model.Model, data Batch, opt compute.Optimizer, batchSize int) (model.Model, compute.Optimizer, error) {
	sgd, ok := opt.(SGD)
	if !ok {
		return model.Model{}, nil, fmt.Errorf("unsupported optimizer %T", opt)
	}
	if batchSize <= 0 {
		return model.Model{}, nil, errors.New("batch size must be > 0")
	}
	weights, err := decodeWeights(m.Payload)
	if err != nil {
		return model.Model{}, nil, err
	}
	if err := checkBatch(data, len(weights)-1); err != nil {
		return model.Model{}, nil, err
	}
	velocity := make([]float64, len(weights))
	copy(velocity, sgd.velocity)

	grad := make([]float64, len(weights))
	for start := 0; start < data.Len(); start += batchSize {
		if err := ctx.Err(); err != nil {
			return model.Model{}, nil, err
		}
		end := min(start+batchSize, data.Len())
		clear(grad)
		for i := start; i < end; i++ {
			x := data.X[i]
			diff := predict(weights, x) - data.Y[i]
			for j, xj := range x {
				grad[j] += 2 * diff * xj
			}
			grad[len(x)] += 2 * diff
		}
		scale := 1 / float64(end-start)
		for j := range weights {
			velocity[j] = sgd.Momentum*velocity[j] - sgd.LearningRate*grad[j]*scale
			weights[j] += velocity[j]
		}
		sgd.Steps++
	}
	sgd.velocity = velocity

	next := m
	next.Payload = encodeWeights(weights)
	next.ParameterCount = len(weights)
	return next, sgd, nil
}

func predict(weights, x []float64) float64 {
	y := weights[len(weights)-1]
	for j, xj := range x {
		y += weights[j] * xj
	}
	return y
}

func checkBatch(data Batch, dims int) error {
	if len(data.X) != len(data.Y) {
		return fmt.Errorf("batch has %d rows and %d targets", len(data.X), len(data.Y))
	}
	for i, x := range data.X {
		if len(x) != dims {
			return fmt.Errorf("row %d has %d features, model expects %d", i, len(x), dims)
		}
	}
	return nil
}
