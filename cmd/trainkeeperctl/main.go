package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"trainkeeper/internal/checkpoint"
	"trainkeeper/internal/storage"
	tkapi "trainkeeper/pkg/trainkeeper"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
	dbPath     = "trainkeeper.db"
)

var stdout io.Writer = os.Stdout

func main() {
	err := run(context.Background(), os.Args[1:])
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "summary":
		return runSummary(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	klog.InitFlags(fs)
	return fs
}

func runInit(ctx context.Context, args []string) error {
	fs := newFlagSet("init")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPathFlag := fs.String("db-path", dbPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPathFlag)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "initialized store=%s\n", *storeKind)
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := newFlagSet("train")
	configPath := fs.String("config", "", "optional train config JSON path")
	stem := fs.String("network-filestem", "linear", "checkpoint naming root")
	checkpointDir := fs.String("checkpoint-dir", "checkpoints", "directory holding the canonical checkpoint")
	ext := fs.String("ext", ".ckpt", "checkpoint extension; .json selects the JSON codec")
	backupDir := fs.String("backup-dir", "", "backup directory (default <checkpoint-dir>/backups)")
	batchSize := fs.Int("batch-size", 128, "examples per gradient step")
	epochs := fs.Int("epochs", 20, "epoch bound")
	resetScore := fs.Bool("reset-score", false, "discard the recorded best metric of a loaded checkpoint")
	compare := fs.String("compare", "lt", "comparison policy: lt|gt")
	target := fs.String("target", "1.5,-2,0.5", "comma separated target weights, bias last")
	learningRate := fs.Float64("lr", 0.05, "sgd learning rate")
	momentum := fs.Float64("momentum", 0.5, "sgd momentum")
	noise := fs.Float64("noise", 0.05, "gaussian label noise")
	generatorBatch := fs.Int("generator-batch", 256, "examples drawn per training epoch")
	holdoutSize := fs.Int("holdout", 128, "fixed evaluation set size")
	seed := fs.Int64("seed", 1, "rng seed")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPathFlag := fs.String("db-path", dbPath, "sqlite database path")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultTrainRequest(*configPath)
	if err != nil {
		return err
	}
	flagValues := map[string]any{
		"network-filestem": *stem,
		"checkpoint-dir":   *checkpointDir,
		"ext":              *ext,
		"backup-dir":       *backupDir,
		"batch-size":       *batchSize,
		"epochs":           *epochs,
		"reset-score":      *resetScore,
		"compare":          *compare,
		"target":           *target,
		"lr":               *learningRate,
		"momentum":         *momentum,
		"noise":            *noise,
		"generator-batch":  *generatorBatch,
		"holdout":          *holdoutSize,
		"seed":             *seed,
	}
	if *configPath == "" {
		// Without a config file every flag applies, defaults included.
		for name := range flagValues {
			setFlags[name] = true
		}
	}
	if err := overrideFromFlags(&req, setFlags, flagValues); err != nil {
		return err
	}

	client, err := tkapi.New(tkapi.Options{
		StoreKind:  *storeKind,
		DBPath:     *dbPathFlag,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.TrainLinear(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(summaryView(summary))
	}

	fmt.Fprintf(stdout, "run_id=%s canonical=%s start_epoch=%d final_epoch=%d best_metric=%s checkpoint_hits=%d backup=%s artifacts=%s\n",
		summary.RunID,
		summary.CanonicalPath,
		summary.StartEpoch,
		summary.FinalEpoch,
		formatMetric(summary.BestMetric),
		summary.CheckpointHits,
		displayOrNA(summary.BackupPath),
		summary.ArtifactsDir,
	)
	return nil
}

func runSummary(ctx context.Context, args []string) error {
	fs := newFlagSet("summary")
	dir := fs.String("dir", "checkpoints", "directory scanned recursively for checkpoints")
	stem := fs.String("network-filestem", "", "only files whose path contains this stem")
	ext := fs.String("ext", ".ckpt", "checkpoint extension")
	precision := fs.Int("precision", 6, "decimal digits for cv_loss")
	extra := fs.String("extra", "", "comma separated extra columns: epoch_count,run_id,saved_at,host or a breakdown part")
	codecName := fs.String("codec", "", "force codec: json|proto (default by extension)")
	jsonOut := fs.Bool("json", false, "emit rows as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	extraFields := splitList(*extra)

	client, err := tkapi.New(tkapi.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	rows, err := client.Summary(ctx, tkapi.SummaryRequest{
		Dir:       *dir,
		Stem:      *stem,
		Ext:       *ext,
		Precision: *precision,
		Extra:     extraFields,
		Codec:     *codecName,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(stdout, "no checkpoints found")
		return nil
	}
	if *jsonOut {
		return writeJSON(rows)
	}
	return checkpoint.WriteTable(stdout, rows, extraFields)
}

func runRuns(ctx context.Context, args []string) error {
	fs := newFlagSet("runs")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := tkapi.New(tkapi.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, tkapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	if *jsonOut {
		type runsItem struct {
			RunID          string   `json:"run_id"`
			CreatedAtUTC   string   `json:"created_at_utc"`
			Stem           string   `json:"network_filestem"`
			CanonicalPath  string   `json:"canonical_path"`
			BatchSize      int      `json:"batch_size"`
			StartEpoch     int      `json:"start_epoch"`
			FinalEpoch     int      `json:"final_epoch"`
			BestMetric     *float64 `json:"best_metric,omitempty"`
			CheckpointHits int      `json:"checkpoint_hits"`
			Host           string   `json:"host,omitempty"`
		}
		items := make([]runsItem, 0, len(runs))
		for _, r := range runs {
			items = append(items, runsItem(r))
		}
		return writeJSON(items)
	}

	for _, r := range runs {
		fmt.Fprintf(stdout, "run_id=%s created_at=%s stem=%s epochs=%d..%d best_metric=%s checkpoint_hits=%d host=%q\n",
			r.RunID,
			r.CreatedAtUTC,
			r.Stem,
			r.StartEpoch,
			r.FinalEpoch,
			formatMetric(r.BestMetric),
			r.CheckpointHits,
			r.Host,
		)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := newFlagSet("history")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "show history for the most recent run from run index")
	limit := fs.Int("limit", 50, "max epochs to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit epoch history as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPathFlag := fs.String("db-path", dbPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("history requires --run-id or --latest")
	}
	if *limit < 0 {
		*limit = 0
	}

	client, err := tkapi.New(tkapi.Options{
		StoreKind:  *storeKind,
		DBPath:     *dbPathFlag,
		RunsDir:    runsDir,
		ExportsDir: exportsDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.History(ctx, tkapi.HistoryRequest{
		RunID:  *runID,
		Latest: *latest,
		Limit:  *limit,
	})
	if err != nil {
		return err
	}
	if len(history.Epochs) == 0 {
		fmt.Fprintln(stdout, "no epoch history")
		return nil
	}
	if *jsonOut {
		return writeJSON(history)
	}

	for _, e := range history.Epochs {
		marker := ""
		if e.Best {
			marker = " *"
		}
		fmt.Fprintf(stdout, "epoch=%d metric=%.6f best_so_far=%s%s\n", e.Epoch, e.Metric, formatMetric(e.BestMetric), marker)
	}
	s := history.Summary
	fmt.Fprintf(stdout, "epochs=%d initial=%.6f final=%.6f mean=%.6f std=%.6f min=%.6f max=%.6f new_bests=%d improvement=%.6f\n",
		s.Epochs, s.Initial, s.Final, s.Mean, s.Std, s.Min, s.Max, s.NewBests, s.Improvement)
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := newFlagSet("export")
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := tkapi.New(tkapi.Options{StoreKind: "memory", RunsDir: runsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, tkapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

type trainSummaryView struct {
	RunID          string   `json:"run_id"`
	CanonicalPath  string   `json:"canonical_path"`
	BackupPath     string   `json:"backup_path,omitempty"`
	ArtifactsDir   string   `json:"artifacts_dir"`
	Resumed        bool     `json:"resumed"`
	StartEpoch     int      `json:"start_epoch"`
	FinalEpoch     int      `json:"final_epoch"`
	BestMetric     *float64 `json:"best_metric,omitempty"`
	CheckpointHits int      `json:"checkpoint_hits"`
}

func summaryView(s tkapi.TrainSummary) trainSummaryView {
	return trainSummaryView{
		RunID:          s.RunID,
		CanonicalPath:  s.CanonicalPath,
		BackupPath:     s.BackupPath,
		ArtifactsDir:   s.ArtifactsDir,
		Resumed:        s.Resumed,
		StartEpoch:     s.StartEpoch,
		FinalEpoch:     s.FinalEpoch,
		BestMetric:     s.BestMetric,
		CheckpointHits: s.CheckpointHits,
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMetric(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}

func displayOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: trainkeeperctl <init|train|summary|runs|history|export> [flags]", msg)
}
