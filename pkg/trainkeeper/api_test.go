package trainkeeper

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trainkeeper/internal/checkpoint"
	"trainkeeper/internal/compute"
	"trainkeeper/internal/epoch"
	"trainkeeper/internal/evaluate"
	"trainkeeper/internal/model"
)

type constEngine struct{ loss float64 }

func (e constEngine) Run(context.Context, model.Model, int, int) ([]float64, error) {
	return []float64{e.loss}, nil
}

func (e constEngine) TrainStep(_ context.Context, m model.Model, _ int, opt compute.Optimizer, _ int) (model.Model, compute.Optimizer, error) {
	return m, opt, nil
}

func (e constEngine) LossSum(terms []float64) float64 {
	total := 0.0
	for _, v := range terms {
		total += v
	}
	return total
}

func newTestClient(t *testing.T, base string) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:  "memory",
		RunsDir:    filepath.Join(base, "runs"),
		ExportsDir: filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func intPtr(v int) *int { return &v }

func TestClientTrainLinearRunsAndHistory(t *testing.T) {
	base := t.TempDir()
	client := newTestClient(t, base)
	ctx := context.Background()

	summary, err := client.TrainLinear(ctx, LinearRequest{
		NetworkFilestem: "line",
		CheckpointDir:   filepath.Join(base, "checkpoints"),
		BatchSize:       32,
		EpochBound:      intPtr(5),
		LearningRate:    0.1,
		Momentum:        0.5,
		Seed:            11,
		Reporter:        evaluate.Discard{},
	})
	if err != nil {
		t.Fatalf("train linear: %v", err)
	}
	if summary.RunID == "" {
		t.Fatal("expected run id")
	}
	if summary.Resumed || summary.StartEpoch != 0 || summary.FinalEpoch != 5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.CheckpointHits < 1 || summary.BestMetric == nil {
		t.Fatalf("expected at least one checkpoint write: %+v", summary)
	}
	if summary.BackupPath != "" {
		t.Fatalf("fresh path must not rotate, got %s", summary.BackupPath)
	}
	for _, file := range []string{"config.json", "epoch_history.json", "epoch_series.csv"} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].FinalEpoch != 5 {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	record, err := client.Run(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("run record: %v", err)
	}
	if record.FinishedAtUTC == "" || record.CheckpointHits != summary.CheckpointHits {
		t.Fatalf("unexpected run record: %+v", record)
	}

	history, err := client.History(ctx, HistoryRequest{Latest: true})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.RunID != summary.RunID || len(history.Epochs) != 5 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if !history.Epochs[0].Best || history.Summary.Epochs != 5 {
		t.Fatalf("unexpected history summary: %+v", history.Summary)
	}

	rows, err := client.Summary(ctx, SummaryRequest{Dir: filepath.Join(base, "checkpoints"), Stem: "line", Precision: 4, Extra: []string{"epoch_count", "run_id"}})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(rows) != 1 || rows[0].Extra["run_id"] != summary.RunID {
		t.Fatalf("unexpected summary rows: %+v", rows)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exported.Directory, "epoch_series.csv")); err != nil {
		t.Fatalf("expected exported series: %v", err)
	}
}

func TestRepeatedRunsNumberBackupsInOrder(t *testing.T) {
	base := t.TempDir()
	client := newTestClient(t, base)
	ctx := context.Background()
	checkpoints := filepath.Join(base, "checkpoints")

	var backups []string
	for i := 0; i < 3; i++ {
		summary, err := client.TrainLinear(ctx, LinearRequest{
			NetworkFilestem: "m",
			CheckpointDir:   checkpoints,
			EpochBound:      intPtr(2),
			ResetScore:      true,
			Seed:            int64(i),
			Reporter:        evaluate.Discard{},
		})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if i > 0 && !summary.Resumed {
			t.Fatalf("run %d should resume from the canonical checkpoint", i)
		}
		backups = append(backups, summary.BackupPath)
	}

	want := []string{"", filepath.Join(checkpoints, "backups", "m-1.ckpt"), filepath.Join(checkpoints, "backups", "m-2.ckpt")}
	for i := range want {
		if backups[i] != want[i] {
			t.Fatalf("run %d: expected backup %q, got %q", i, want[i], backups[i])
		}
	}
}

func TestResumedRunKeepsBetterRecordedLoss(t *testing.T) {
	base := t.TempDir()
	client := newTestClient(t, base)
	ctx := context.Background()

	checkpoints := filepath.Join(base, "checkpoints")
	canonical := filepath.Join(checkpoints, "net.ckpt")
	prior := model.Model{Payload: []byte("prior"), EpochCount: 4, CVLoss: model.Scalar(0.1), ParameterCount: 3}
	if err := checkpoint.NewStore(checkpoint.StoreConfig{}).Save(prior, canonical); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	before, err := os.ReadFile(canonical)
	if err != nil {
		t.Fatalf("read seed: %v", err)
	}

	summary, err := Train(ctx, client, TrainRequest[int]{
		NetworkFilestem: "net",
		CheckpointDir:   checkpoints,
		EpochBound:      intPtr(3),
		Reporter:        evaluate.Discard{},
		Engine:          constEngine{loss: 0.5},
		Train:           epoch.Fixed(1),
		Test:            epoch.Fixed(2),
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !summary.Resumed || summary.StartEpoch != 4 || summary.FinalEpoch != 7 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.CheckpointHits != 0 || summary.BackupPath != "" {
		t.Fatalf("non-improving run must not touch checkpoints: %+v", summary)
	}
	if summary.BestMetric == nil || *summary.BestMetric != 0.1 {
		t.Fatalf("expected recorded best 0.1, got %v", summary.BestMetric)
	}
	after, err := os.ReadFile(canonical)
	if err != nil {
		t.Fatalf("read canonical: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("canonical checkpoint changed without improvement")
	}

	reset, err := Train(ctx, client, TrainRequest[int]{
		NetworkFilestem: "net",
		CheckpointDir:   checkpoints,
		EpochBound:      intPtr(1),
		ResetScore:      true,
		Reporter:        evaluate.Discard{},
		Engine:          constEngine{loss: 0.5},
		Train:           epoch.Fixed(1),
		Test:            epoch.Fixed(2),
	})
	if err != nil {
		t.Fatalf("train with reset: %v", err)
	}
	if reset.CheckpointHits != 1 {
		t.Fatalf("reset score must make the first epoch best: %+v", reset)
	}
	backup, err := os.ReadFile(reset.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(backup, before) {
		t.Fatal("backup is not a byte-identical copy of the prior checkpoint")
	}
}

func TestGreaterThanPolicyFromName(t *testing.T) {
	base := t.TempDir()
	client := newTestClient(t, base)
	ctx := context.Background()

	summary, err := Train(ctx, client, TrainRequest[int]{
		NetworkFilestem: "acc",
		CheckpointDir:   filepath.Join(base, "checkpoints"),
		EpochBound:      intPtr(2),
		CompareName:     "gt",
		Reporter:        evaluate.Discard{},
		Engine:          constEngine{loss: 0.8},
		Train:           epoch.Fixed(1),
		Test:            epoch.Fixed(1),
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if summary.CheckpointHits != 1 {
		t.Fatalf("ties must not overwrite under gt: %+v", summary)
	}
	history, err := client.History(ctx, HistoryRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.Summary.Improvement != 0 || history.Summary.Max != 0.8 {
		t.Fatalf("unexpected summary: %+v", history.Summary)
	}
}

func TestHistoryFallsBackToRunArtifacts(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	first := newTestClient(t, base)
	summary, err := first.TrainLinear(ctx, LinearRequest{
		CheckpointDir: filepath.Join(base, "checkpoints"),
		EpochBound:    intPtr(3),
		Reporter:      evaluate.Discard{},
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := os.Remove(filepath.Join(summary.ArtifactsDir, "epoch_series.csv")); err != nil {
		t.Fatalf("remove series: %v", err)
	}

	second := newTestClient(t, base)
	history, err := second.History(ctx, HistoryRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Epochs) != 3 || !history.Epochs[0].Best {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestHistoryFallsBackToSeriesFile(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	first := newTestClient(t, base)
	summary, err := first.TrainLinear(ctx, LinearRequest{
		CheckpointDir: filepath.Join(base, "checkpoints"),
		EpochBound:    intPtr(3),
		Reporter:      evaluate.Discard{},
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := os.Remove(filepath.Join(summary.ArtifactsDir, "epoch_history.json")); err != nil {
		t.Fatalf("remove history: %v", err)
	}

	second := newTestClient(t, base)
	history, err := second.History(ctx, HistoryRequest{RunID: summary.RunID, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Epochs) != 2 || history.Summary.Epochs != 3 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRunsMergesStoreAndIndex(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()
	clock := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	first := newTestClient(t, base)
	first.now = func() time.Time { return clock }
	older, err := first.TrainLinear(ctx, LinearRequest{
		CheckpointDir: filepath.Join(base, "checkpoints"),
		EpochBound:    intPtr(2),
		Reporter:      evaluate.Discard{},
	})
	if err != nil {
		t.Fatalf("train first: %v", err)
	}

	second := newTestClient(t, base)
	second.host = "stored-host"
	second.now = func() time.Time { return clock.Add(time.Hour) }
	newer, err := second.TrainLinear(ctx, LinearRequest{
		CheckpointDir: filepath.Join(base, "checkpoints"),
		EpochBound:    intPtr(1),
		Reporter:      evaluate.Discard{},
	})
	if err != nil {
		t.Fatalf("train second: %v", err)
	}

	runs, err := second.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %+v", runs)
	}
	if runs[0].RunID != newer.RunID || runs[0].Host != "stored-host" || runs[0].FinalEpoch != 3 {
		t.Fatalf("unexpected newest run: %+v", runs[0])
	}
	if runs[1].RunID != older.RunID || runs[1].FinalEpoch != 2 {
		t.Fatalf("expected index-only run second, got %+v", runs[1])
	}

	limited, err := second.Runs(ctx, RunsRequest{Limit: 1})
	if err != nil {
		t.Fatalf("runs limit: %v", err)
	}
	if len(limited) != 1 || limited[0].RunID != newer.RunID {
		t.Fatalf("unexpected limited runs: %+v", limited)
	}
}

func TestTrainValidation(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	ctx := context.Background()

	if _, err := Train(ctx, client, TrainRequest[int]{Engine: constEngine{}}); err == nil {
		t.Fatal("expected missing filestem error")
	}
	if _, err := Train(ctx, client, TrainRequest[int]{NetworkFilestem: "x"}); err == nil {
		t.Fatal("expected missing engine error")
	}
	if _, err := Train(ctx, client, TrainRequest[int]{NetworkFilestem: "x", Engine: constEngine{}, EpochBound: intPtr(-1)}); err == nil {
		t.Fatal("expected epoch bound error")
	}
	if _, err := Train(ctx, client, TrainRequest[int]{NetworkFilestem: "x", Engine: constEngine{}, CompareName: "sideways"}); err == nil {
		t.Fatal("expected compare policy error")
	}
	if _, err := client.TrainLinear(ctx, LinearRequest{}); err == nil {
		t.Fatal("expected epoch bound requirement for the linear generator")
	}
	if _, err := client.History(ctx, HistoryRequest{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected run id/latest conflict")
	}
}
