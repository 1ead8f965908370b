// Package evaluate decides after each epoch whether the freshly trained
// model is the best seen so far.
package evaluate

import (
	"context"
	"errors"
	"fmt"

	"trainkeeper/internal/compute"
	"trainkeeper/internal/model"
)

// RunContext is fixed for the duration of a run.
type RunContext[D any] struct {
	BatchSize int
	Engine    compute.Engine[D]
}

// EpochContext is built once per epoch and discarded afterwards.
type EpochContext[D any] struct {
	NewModel  model.Model
	OldModel  model.Model
	TrainData D
	TestData  D
}

// Decision is an evaluator's verdict. Model is what the loop carries
// forward and, when Best is set, what it checkpoints.
type Decision struct {
	Best        bool
	Model       model.Model
	Metric      float64
	Previous    float64
	HasPrevious bool
}

// Evaluator is the replaceable best-model policy.
type Evaluator[D any] interface {
	Evaluate(ctx context.Context, run RunContext[D], epoch EpochContext[D]) (Decision, error)
}

// Func adapts a plain function to Evaluator.
type Func[D any] func(ctx context.Context, run RunContext[D], epoch EpochContext[D]) (Decision, error)

func (f Func[D]) Evaluate(ctx context.Context, run RunContext[D], epoch EpochContext[D]) (Decision, error) {
	return f(ctx, run, epoch)
}

// Compare reports whether candidate beats best.
type Compare func(candidate, best float64) bool

// LessThan is the default policy: lower loss wins.
func LessThan(candidate, best float64) bool { return candidate < best }

// GreaterThan suits metrics such as accuracy where higher wins.
func GreaterThan(candidate, best float64) bool { return candidate > best }

// CompareFromName maps "lt"/"gt" style names to a policy.
func CompareFromName(name string) (Compare, error) {
	switch name {
	case "", "lt", "less", "min":
		return LessThan, nil
	case "gt", "greater", "max":
		return GreaterThan, nil
	default:
		return nil, fmt.Errorf("unsupported compare policy: %s", name)
	}
}

// Default scores the new model on the test data with the engine and
// compares it against the old model's recorded loss.
type Default[D any] struct {
	Compare  Compare
	Reducer  model.Reducer
	Reporter Reporter
}

func (d Default[D]) Evaluate(ctx context.Context, run RunContext[D], epoch EpochContext[D]) (Decision, error) {
	if run.Engine == nil {
		return Decision{}, errors.New("compute engine is required")
	}
	compare := d.Compare
	if compare == nil {
		compare = LessThan
	}
	reduce := d.Reducer
	if reduce == nil {
		reduce = model.SumReducer
	}
	reporter := d.Reporter
	if reporter == nil {
		reporter = KlogReporter{}
	}

	terms, err := run.Engine.Run(ctx, epoch.NewModel, epoch.TestData, run.BatchSize)
	if err != nil {
		return Decision{}, fmt.Errorf("run test data: %w", err)
	}
	metric := run.Engine.LossSum(terms)

	previousLoss := epoch.OldModel.CVLoss
	previous, hasPrevious := reduce(previousLoss)
	if !hasPrevious && previousLoss.Kind() == model.LossOpaque {
		reporter.Fallback(epoch.NewModel.EpochCount, previousLoss)
	}

	best := !hasPrevious || compare(metric, previous)
	next := epoch.NewModel.WithCVLoss(previousLoss)
	if best {
		next = epoch.NewModel.WithCVLoss(model.Scalar(metric))
	}

	decision := Decision{
		Best:        best,
		Model:       next,
		Metric:      metric,
		Previous:    previous,
		HasPrevious: hasPrevious,
	}
	reporter.Report(Progress{
		Epoch:     next.EpochCount,
		Metric:    metric,
		BestSoFar: bestSoFar(decision),
		HasBest:   best || hasPrevious,
		NewBest:   best,
	})
	return decision, nil
}

func bestSoFar(d Decision) float64 {
	if d.Best {
		return d.Metric
	}
	return d.Previous
}
