package trainkeeper

import (
	"context"
	"errors"

	"trainkeeper/internal/compute/linear"
	"trainkeeper/internal/epoch"
	"trainkeeper/internal/evaluate"
	"trainkeeper/internal/stats"
	"trainkeeper/internal/training"
)

// LinearRequest trains the reference linear engine on an online generator
// of noisy samples from Target, scored on a fixed holdout set.
type LinearRequest struct {
	NetworkFilestem string
	CheckpointDir   string
	Ext             string
	BackupDir       string
	BatchSize       int
	EpochBound      *int
	ResetScore      bool
	Compare         string

	Target         []float64
	LearningRate   float64
	Momentum       float64
	Noise          float64
	GeneratorBatch int
	HoldoutSize    int
	Seed           int64

	Reporter evaluate.Reporter
	OnEpoch  func(training.Epoch)
}

func (c *Client) TrainLinear(ctx context.Context, req LinearRequest) (TrainSummary, error) {
	if req.NetworkFilestem == "" {
		req.NetworkFilestem = "linear"
	}
	if len(req.Target) == 0 {
		req.Target = []float64{1.5, -2, 0.5}
	}
	if req.LearningRate <= 0 {
		req.LearningRate = 0.05
	}
	if req.Momentum < 0 {
		return TrainSummary{}, errors.New("momentum must be >= 0")
	}
	if req.Noise < 0 {
		return TrainSummary{}, errors.New("noise must be >= 0")
	}
	if req.GeneratorBatch <= 0 {
		req.GeneratorBatch = 256
	}
	if req.HoldoutSize <= 0 {
		req.HoldoutSize = 128
	}
	if req.EpochBound == nil {
		// The generator never runs dry.
		return TrainSummary{}, errors.New("epoch bound is required for the linear generator")
	}

	gen, err := linear.NewGenerator(req.Target, req.GeneratorBatch, req.Noise, req.Seed)
	if err != nil {
		return TrainSummary{}, err
	}
	holdout := gen.Sample(req.HoldoutSize)
	dims := len(req.Target) - 1

	return Train(ctx, c, TrainRequest[linear.Batch]{
		NetworkFilestem: req.NetworkFilestem,
		CheckpointDir:   req.CheckpointDir,
		Ext:             req.Ext,
		BackupDir:       req.BackupDir,
		BatchSize:       req.BatchSize,
		EpochBound:      req.EpochBound,
		ResetScore:      req.ResetScore,
		CompareName:     req.Compare,
		Reporter:        req.Reporter,
		Engine:          linear.Engine{},
		Model:           linear.NewModel(dims),
		Optimizer:       linear.NewSGD(req.LearningRate, req.Momentum),
		Train:           epoch.Func(gen.Next),
		Test:            epoch.Fixed(holdout),
		Describe: stats.RunConfig{
			Engine:         "linear",
			Dims:           dims,
			LearningRate:   req.LearningRate,
			Momentum:       req.Momentum,
			Noise:          req.Noise,
			GeneratorBatch: req.GeneratorBatch,
			HoldoutSize:    req.HoldoutSize,
			Seed:           req.Seed,
		},
		OnEpoch: req.OnEpoch,
	})
}
