// Package training drives the epoch loop: pull data, train, evaluate and
// checkpoint the best model.
package training

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"trainkeeper/internal/checkpoint"
	"trainkeeper/internal/compute"
	"trainkeeper/internal/epoch"
	"trainkeeper/internal/evaluate"
	"trainkeeper/internal/model"
	"trainkeeper/internal/storage"
)

const DefaultBatchSize = 128

// Config is fixed for the lifetime of a stream. CanonicalPath may be empty,
// in which case best models are carried but never written.
type Config[D any] struct {
	BatchSize     int
	Engine        compute.Engine[D]
	Evaluator     evaluate.Evaluator[D]
	CanonicalPath string
	Checkpoints   *checkpoint.Store

	// History receives one EpochRecord per epoch under RunID when both are set.
	History storage.Store
	RunID   string
	OnEpoch func(Epoch)
}

// Epoch is the outcome of one completed iteration.
type Epoch struct {
	Number int
	Model  model.Model
	Best   bool
	Metric float64
	Saved  bool
}

// Stats summarises a stream so far.
type Stats struct {
	Epochs     int
	Saves      int
	BestMetric float64
	HasBest    bool
}

// Stream is the lazy per-epoch sequence. It holds only the current model,
// the optimizer state and the two sequencer cursors; datasets are released
// as soon as the epoch that consumed them returns.
type Stream[D any] struct {
	cfg   Config[D]
	run   evaluate.RunContext[D]
	train epoch.Sequencer[D]
	test  epoch.Sequencer[D]

	model model.Model
	opt   compute.Optimizer
	stats Stats
	done  bool
	err   error
}

func NewStream[D any](m model.Model, train, test epoch.Sequencer[D], opt compute.Optimizer, cfg Config[D]) (*Stream[D], error) {
	if cfg.Engine == nil {
		return nil, errors.New("compute engine is required")
	}
	if train == nil || test == nil {
		return nil, errors.New("train and test sequencers are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = evaluate.Default[D]{}
	}
	if cfg.CanonicalPath != "" && cfg.Checkpoints == nil {
		_, ext := checkpoint.SplitName(cfg.CanonicalPath)
		cfg.Checkpoints = checkpoint.NewStore(checkpoint.StoreConfig{Codec: checkpoint.CodecFor(ext), RunID: cfg.RunID})
	}
	return &Stream[D]{
		cfg:   cfg,
		run:   evaluate.RunContext[D]{BatchSize: cfg.BatchSize, Engine: cfg.Engine},
		train: train,
		test:  test,
		model: m,
		opt:   opt,
	}, nil
}

// Next runs one epoch. It returns false once either sequencer is exhausted
// or after an error; the stream stays finished from then on. ctx is only
// checked between epochs and passed through to the engine.
func (s *Stream[D]) Next(ctx context.Context) (Epoch, bool, error) {
	if s.done {
		return Epoch{}, false, s.err
	}
	if err := ctx.Err(); err != nil {
		return Epoch{}, false, s.finish(err)
	}

	trainData, ok := s.train.Next()
	if !ok {
		return Epoch{}, false, s.finish(nil)
	}
	testData, ok := s.test.Next()
	if !ok {
		return Epoch{}, false, s.finish(nil)
	}

	number := s.model.EpochCount + 1
	stepped, opt, err := s.cfg.Engine.TrainStep(ctx, s.model, trainData, s.opt, s.cfg.BatchSize)
	if err != nil {
		return Epoch{}, false, s.finish(fmt.Errorf("train epoch %d: %w", number, err))
	}
	stepped = stepped.NextEpoch()

	decision, err := s.cfg.Evaluator.Evaluate(ctx, s.run, evaluate.EpochContext[D]{
		NewModel:  stepped,
		OldModel:  s.model,
		TrainData: trainData,
		TestData:  testData,
	})
	if err != nil {
		return Epoch{}, false, s.finish(fmt.Errorf("evaluate epoch %d: %w", number, err))
	}

	saved := false
	if decision.Best && s.cfg.CanonicalPath != "" {
		if err := s.cfg.Checkpoints.Save(decision.Model, s.cfg.CanonicalPath); err != nil {
			return Epoch{}, false, s.finish(fmt.Errorf("checkpoint epoch %d: %w", number, err))
		}
		saved = true
		s.stats.Saves++
	}

	s.model = decision.Model
	s.opt = opt
	s.stats.Epochs++
	switch {
	case decision.Best:
		s.stats.BestMetric, s.stats.HasBest = decision.Metric, true
	case decision.HasPrevious:
		s.stats.BestMetric, s.stats.HasBest = decision.Previous, true
	}

	out := Epoch{
		Number: decision.Model.EpochCount,
		Model:  decision.Model,
		Best:   decision.Best,
		Metric: decision.Metric,
		Saved:  saved,
	}
	if err := s.record(ctx, out); err != nil {
		return Epoch{}, false, s.finish(fmt.Errorf("record epoch %d: %w", number, err))
	}
	if s.cfg.OnEpoch != nil {
		s.cfg.OnEpoch(out)
	}
	return out, true, nil
}

// All yields epochs until the stream finishes. Breaking out of the loop
// leaves the stream usable; a later call to All resumes where it stopped.
func (s *Stream[D]) All(ctx context.Context) iter.Seq2[Epoch, error] {
	return func(yield func(Epoch, error) bool) {
		for {
			ep, ok, err := s.Next(ctx)
			if err != nil {
				yield(Epoch{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(ep, nil) {
				return
			}
		}
	}
}

// Model is the last produced model, or the input model before any epoch.
func (s *Stream[D]) Model() model.Model { return s.model }

func (s *Stream[D]) Optimizer() compute.Optimizer { return s.opt }

func (s *Stream[D]) Stats() Stats { return s.stats }

func (s *Stream[D]) Done() bool { return s.done }

// Close releases the sequencers. Next returns false afterwards.
func (s *Stream[D]) Close() {
	_ = s.finish(nil)
}

func (s *Stream[D]) record(ctx context.Context, ep Epoch) error {
	if s.cfg.History == nil || s.cfg.RunID == "" {
		return nil
	}
	record := model.EpochRecord{Epoch: ep.Number, Metric: ep.Metric, Best: ep.Best}
	if s.stats.HasBest {
		best := s.stats.BestMetric
		record.BestMetric = &best
	}
	return s.cfg.History.AppendEpoch(ctx, s.cfg.RunID, record)
}

func (s *Stream[D]) finish(err error) error {
	if s.done {
		return s.err
	}
	s.done = true
	s.err = err
	epoch.Close(s.train)
	epoch.Close(s.test)
	return err
}

// Train consumes a stream to completion and returns the final model. On
// error the model carried so far is returned with it.
func Train[D any](ctx context.Context, m model.Model, train, test epoch.Sequencer[D], opt compute.Optimizer, cfg Config[D]) (model.Model, error) {
	s, err := NewStream(m, train, test, opt, cfg)
	if err != nil {
		return m, err
	}
	defer s.Close()

	for _, err := range s.All(ctx) {
		if err != nil {
			return s.Model(), err
		}
	}
	return s.Model(), nil
}
