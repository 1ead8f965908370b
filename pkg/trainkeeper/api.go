package trainkeeper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trainkeeper/internal/checkpoint"
	"trainkeeper/internal/compute"
	"trainkeeper/internal/epoch"
	"trainkeeper/internal/evaluate"
	"trainkeeper/internal/model"
	"trainkeeper/internal/stats"
	"trainkeeper/internal/storage"
	"trainkeeper/internal/training"
)

const (
	defaultRunsDir       = "runs"
	defaultExportsDir    = "exports"
	defaultDBPath        = "trainkeeper.db"
	defaultCheckpointDir = "checkpoints"
	defaultExt           = ".ckpt"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
}

type Client struct {
	store       storage.Store
	initialized bool

	runsDir    string
	exportsDir string
	host       string
	now        func() time.Time
}

// TrainRequest describes one training run over datasets of type D. Model
// is the fresh model used when no checkpoint exists at the canonical path.
type TrainRequest[D any] struct {
	NetworkFilestem string
	CheckpointDir   string
	Ext             string
	BackupDir       string
	BatchSize       int
	EpochBound      *int
	ResetScore      bool

	// Compare is used when set; otherwise CompareName selects a policy.
	Compare     evaluate.Compare
	CompareName string
	Evaluator   evaluate.Evaluator[D]
	Reporter    evaluate.Reporter

	Engine    compute.Engine[D]
	Model     model.Model
	Optimizer compute.OptimizerFactory
	Train     epoch.Source[D]
	Test      epoch.Source[D]

	// Describe carries engine specific settings into config.json.
	Describe stats.RunConfig
	OnEpoch  func(training.Epoch)
}

type TrainSummary struct {
	RunID          string
	CanonicalPath  string
	BackupPath     string
	ArtifactsDir   string
	Resumed        bool
	StartEpoch     int
	FinalEpoch     int
	BestMetric     *float64
	CheckpointHits int
	Model          model.Model
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID          string
	CreatedAtUTC   string
	Stem           string
	CanonicalPath  string
	BatchSize      int
	StartEpoch     int
	FinalEpoch     int
	BestMetric     *float64
	CheckpointHits int
	Host           string
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type HistoryResult struct {
	RunID   string
	Epochs  []model.EpochRecord
	Summary stats.SeriesSummary
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type SummaryRequest struct {
	Dir       string
	Stem      string
	Ext       string
	Reducer   model.Reducer
	Precision int
	Extra     []string
	Codec     string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		host:       stats.HostCPU(),
		now:        time.Now,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Train runs req to completion: it resumes from the checkpoint at the
// canonical path when one exists, records the run and its epochs, and
// writes run artifacts.
func Train[D any](ctx context.Context, c *Client, req TrainRequest[D]) (TrainSummary, error) {
	if strings.TrimSpace(req.NetworkFilestem) == "" {
		return TrainSummary{}, errors.New("network filestem is required")
	}
	if req.Engine == nil {
		return TrainSummary{}, errors.New("compute engine is required")
	}
	if req.EpochBound != nil && *req.EpochBound < 0 {
		return TrainSummary{}, errors.New("epoch bound must be >= 0")
	}
	if req.CheckpointDir == "" {
		req.CheckpointDir = defaultCheckpointDir
	}
	if req.Ext == "" {
		req.Ext = defaultExt
	}
	if !strings.HasPrefix(req.Ext, ".") {
		req.Ext = "." + req.Ext
	}
	if req.BatchSize <= 0 {
		req.BatchSize = training.DefaultBatchSize
	}
	evaluator, compareName, err := evaluatorFor(req)
	if err != nil {
		return TrainSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return TrainSummary{}, err
	}

	runID := uuid.NewString()
	started := c.now().UTC()
	canonical := filepath.Join(req.CheckpointDir, req.NetworkFilestem+req.Ext)
	codec := checkpoint.CodecFor(req.Ext)

	start, resumed, err := loadOrFresh(canonical, codec, req.Model)
	if err != nil {
		return TrainSummary{}, err
	}
	if req.ResetScore {
		start = start.ResetScore()
	}

	var opt compute.Optimizer
	if req.Optimizer != nil {
		opt, err = req.Optimizer(start)
		if err != nil {
			return TrainSummary{}, fmt.Errorf("create optimizer: %w", err)
		}
	}

	bound := epoch.Unbounded
	if req.EpochBound != nil {
		bound = epoch.Limit(*req.EpochBound)
	}
	checkpoints := checkpoint.NewStore(checkpoint.StoreConfig{
		BackupDir: req.BackupDir,
		Codec:     codec,
		RunID:     runID,
		Host:      c.host,
	})

	run := storage.Versioned(model.RunRecord{
		ID:            runID,
		Stem:          req.NetworkFilestem,
		CanonicalPath: canonical,
		BatchSize:     req.BatchSize,
		EpochBound:    req.EpochBound,
		StartEpoch:    start.EpochCount,
		FinalEpoch:    start.EpochCount,
		StartedAtUTC:  started.Format(time.RFC3339Nano),
		Host:          c.host,
	})
	if err := c.store.SaveRun(ctx, run); err != nil {
		return TrainSummary{}, fmt.Errorf("save run: %w", err)
	}

	stream, err := training.NewStream(start,
		epoch.Make(req.Train, bound),
		epoch.Make(req.Test, bound),
		opt,
		training.Config[D]{
			BatchSize:     req.BatchSize,
			Engine:        req.Engine,
			Evaluator:     evaluator,
			CanonicalPath: canonical,
			Checkpoints:   checkpoints,
			History:       c.store,
			RunID:         runID,
			OnEpoch:       req.OnEpoch,
		},
	)
	if err != nil {
		return TrainSummary{}, err
	}
	defer stream.Close()

	var trainErr error
	for _, err := range stream.All(ctx) {
		if err != nil {
			trainErr = err
		}
	}

	final := stream.Model()
	result := stream.Stats()
	run.FinalEpoch = final.EpochCount
	run.BackupPath = checkpoints.BackupOf(canonical)
	run.CheckpointHits = result.Saves
	run.FinishedAtUTC = c.now().UTC().Format(time.RFC3339Nano)
	if result.HasBest {
		best := result.BestMetric
		run.BestMetric = &best
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return TrainSummary{}, errors.Join(trainErr, fmt.Errorf("save run: %w", err))
	}
	if trainErr != nil {
		return TrainSummary{}, fmt.Errorf("run %s: %w", runID, trainErr)
	}

	history, _, err := c.store.GetEpochHistory(ctx, runID)
	if err != nil {
		return TrainSummary{}, err
	}
	cfg := req.Describe
	cfg.RunID = runID
	cfg.Stem = req.NetworkFilestem
	cfg.CanonicalPath = canonical
	cfg.BackupDir = req.BackupDir
	cfg.Codec = codec.Name()
	cfg.BatchSize = req.BatchSize
	cfg.EpochBound = req.EpochBound
	cfg.ResetScore = req.ResetScore
	cfg.Compare = compareName
	cfg.Host = c.host

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config:         cfg,
		History:        history,
		StartEpoch:     run.StartEpoch,
		FinalEpoch:     run.FinalEpoch,
		BestMetric:     run.BestMetric,
		BackupPath:     run.BackupPath,
		CheckpointHits: run.CheckpointHits,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:          runID,
		Stem:           run.Stem,
		CanonicalPath:  canonical,
		BatchSize:      run.BatchSize,
		StartEpoch:     run.StartEpoch,
		FinalEpoch:     run.FinalEpoch,
		BestMetric:     run.BestMetric,
		CheckpointHits: run.CheckpointHits,
		Host:           c.host,
		CreatedAtUTC:   run.StartedAtUTC,
	}); err != nil {
		return TrainSummary{}, err
	}

	return TrainSummary{
		RunID:          runID,
		CanonicalPath:  canonical,
		BackupPath:     run.BackupPath,
		ArtifactsDir:   filepath.Clean(runDir),
		Resumed:        resumed,
		StartEpoch:     run.StartEpoch,
		FinalEpoch:     run.FinalEpoch,
		BestMetric:     run.BestMetric,
		CheckpointHits: run.CheckpointHits,
		Model:          final,
	}, nil
}

// Runs lists runs newest first. Records in the history store win over
// run index entries with the same id; the index covers runs recorded by
// other processes.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	stored, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}

	out := make([]RunItem, 0, len(stored)+len(entries))
	seen := make(map[string]struct{}, len(stored))
	for _, run := range stored {
		seen[run.ID] = struct{}{}
		out = append(out, RunItem{
			RunID:          run.ID,
			CreatedAtUTC:   run.StartedAtUTC,
			Stem:           run.Stem,
			CanonicalPath:  run.CanonicalPath,
			BatchSize:      run.BatchSize,
			StartEpoch:     run.StartEpoch,
			FinalEpoch:     run.FinalEpoch,
			BestMetric:     run.BestMetric,
			CheckpointHits: run.CheckpointHits,
			Host:           run.Host,
		})
	}
	for _, e := range entries {
		if _, ok := seen[e.RunID]; ok {
			continue
		}
		out = append(out, RunItem{
			RunID:          e.RunID,
			CreatedAtUTC:   e.CreatedAtUTC,
			Stem:           e.Stem,
			CanonicalPath:  e.CanonicalPath,
			BatchSize:      e.BatchSize,
			StartEpoch:     e.StartEpoch,
			FinalEpoch:     e.FinalEpoch,
			BestMetric:     e.BestMetric,
			CheckpointHits: e.CheckpointHits,
			Host:           e.Host,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAtUTC > out[j].CreatedAtUTC
	})

	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// Run returns the stored record for a run.
func (c *Client) Run(ctx context.Context, runID string) (model.RunRecord, error) {
	if err := c.Init(ctx); err != nil {
		return model.RunRecord{}, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run not found: %s", runID)
	}
	return run, nil
}

// History returns a run's per-epoch records. The history store is
// consulted first; runs recorded by another process against a memory
// store fall back to epoch_history.json, then to epoch_series.csv.
func (c *Client) History(ctx context.Context, req HistoryRequest) (HistoryResult, error) {
	if req.Limit < 0 {
		return HistoryResult{}, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return HistoryResult{}, err
	}
	if err := c.Init(ctx); err != nil {
		return HistoryResult{}, err
	}

	history, ok, err := c.store.GetEpochHistory(ctx, runID)
	if err != nil {
		return HistoryResult{}, err
	}
	artifacts, hasArtifacts, err := stats.ReadRunArtifacts(c.runsDir, runID)
	if err != nil {
		return HistoryResult{}, err
	}
	if !ok && hasArtifacts {
		history, ok = artifacts.History, true
	}
	if !ok {
		history, ok, err = stats.ReadEpochSeries(c.runsDir, runID)
		if err != nil {
			return HistoryResult{}, err
		}
	}
	if !ok {
		return HistoryResult{}, fmt.Errorf("epoch history not found for run id: %s", runID)
	}

	higherIsBetter := false
	if hasArtifacts {
		higherIsBetter = isHigherBetter(artifacts.Config.Compare)
	} else if cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID); err != nil {
		return HistoryResult{}, err
	} else if ok {
		higherIsBetter = isHigherBetter(cfg.Compare)
	}
	summary := stats.SeriesSummary{}
	if len(history) > 0 {
		summary = stats.SummarizeSeries(history, higherIsBetter)
	}

	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return HistoryResult{
		RunID:   runID,
		Epochs:  append([]model.EpochRecord(nil), history...),
		Summary: summary,
	}, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Summary ranks the checkpoints found under req.Dir.
func (c *Client) Summary(_ context.Context, req SummaryRequest) ([]checkpoint.Row, error) {
	if req.Dir == "" {
		req.Dir = defaultCheckpointDir
	}
	if req.Ext == "" {
		req.Ext = defaultExt
	}
	var codec checkpoint.Codec
	if req.Codec != "" {
		var err error
		codec, err = checkpoint.CodecFromName(req.Codec)
		if err != nil {
			return nil, err
		}
	}
	return checkpoint.List(checkpoint.SummaryOptions{
		Dir:       req.Dir,
		Stem:      req.Stem,
		Ext:       req.Ext,
		Reducer:   req.Reducer,
		Precision: req.Precision,
		Extra:     req.Extra,
		Codec:     codec,
	})
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", errors.New("no runs available")
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", errors.New("run id or latest is required")
	}
	return runID, nil
}

func evaluatorFor[D any](req TrainRequest[D]) (evaluate.Evaluator[D], string, error) {
	name := req.CompareName
	if name == "" {
		name = "lt"
	}
	if req.Evaluator != nil {
		return req.Evaluator, "custom", nil
	}
	compare := req.Compare
	if compare == nil {
		var err error
		compare, err = evaluate.CompareFromName(name)
		if err != nil {
			return nil, "", err
		}
	} else if req.CompareName == "" {
		name = "custom"
	}
	reporter := req.Reporter
	if reporter == nil {
		reporter = evaluate.KlogReporter{}
	}
	return evaluate.Default[D]{Compare: compare, Reporter: reporter}, name, nil
}

func loadOrFresh(canonical string, codec checkpoint.Codec, fresh model.Model) (model.Model, bool, error) {
	record, err := checkpoint.LoadRecord(canonical, codec)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fresh, false, nil
		}
		return model.Model{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return record.Model(), true, nil
}

func isHigherBetter(compare string) bool {
	switch compare {
	case "gt", "greater", "max":
		return true
	default:
		return false
	}
}
