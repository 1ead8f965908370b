package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"trainkeeper/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	historyFile      = "epoch_history.json"
	seriesFile       = "epoch_series.csv"
	seriesHeaderSize = 4
)

type RunConfig struct {
	RunID          string  `json:"run_id"`
	Stem           string  `json:"network_filestem"`
	CanonicalPath  string  `json:"canonical_path"`
	BackupDir      string  `json:"backup_dir,omitempty"`
	Codec          string  `json:"codec"`
	BatchSize      int     `json:"batch_size"`
	EpochBound     *int    `json:"epoch_bound,omitempty"`
	ResetScore     bool    `json:"reset_score"`
	Compare        string  `json:"compare"`
	Engine         string  `json:"engine"`
	Dims           int     `json:"dims"`
	LearningRate   float64 `json:"learning_rate"`
	Momentum       float64 `json:"momentum"`
	Noise          float64 `json:"noise"`
	GeneratorBatch int     `json:"generator_batch"`
	HoldoutSize    int     `json:"holdout_size"`
	Seed           int64   `json:"seed"`
	StoreKind      string  `json:"store_kind,omitempty"`
	Host           string  `json:"host,omitempty"`
}

type RunArtifacts struct {
	Config         RunConfig           `json:"config"`
	History        []model.EpochRecord `json:"epochs"`
	StartEpoch     int                 `json:"start_epoch"`
	FinalEpoch     int                 `json:"final_epoch"`
	BestMetric     *float64            `json:"best_metric,omitempty"`
	BackupPath     string              `json:"backup_path,omitempty"`
	CheckpointHits int                 `json:"checkpoint_hits"`
}

type RunIndexEntry struct {
	RunID          string   `json:"run_id"`
	Stem           string   `json:"network_filestem"`
	CanonicalPath  string   `json:"canonical_path"`
	BatchSize      int      `json:"batch_size"`
	StartEpoch     int      `json:"start_epoch"`
	FinalEpoch     int      `json:"final_epoch"`
	BestMetric     *float64 `json:"best_metric,omitempty"`
	CheckpointHits int      `json:"checkpoint_hits"`
	Host           string   `json:"host,omitempty"`
	CreatedAtUTC   string   `json:"created_at_utc"`
}

// WriteRunArtifacts writes config.json, epoch_history.json and
// epoch_series.csv under <baseDir>/<run id>.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := WriteRunConfig(baseDir, artifacts.Config.RunID, artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), artifacts); err != nil {
		return "", err
	}
	if err := WriteEpochSeries(runDir, artifacts.History); err != nil {
		return "", err
	}
	return runDir, nil
}

func ReadRunArtifacts(baseDir, runID string) (RunArtifacts, bool, error) {
	path := filepath.Join(baseDir, runID, historyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunArtifacts{}, false, nil
		}
		return RunArtifacts{}, false, err
	}

	var artifacts RunArtifacts
	if err := json.Unmarshal(data, &artifacts); err != nil {
		return RunArtifacts{}, false, err
	}
	return artifacts, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportRunArtifacts copies a run's artifact files to <outDir>/<run id>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

// WriteEpochSeries writes one CSV row per epoch: epoch, metric, best flag
// and best metric so far (empty when unknown).
func WriteEpochSeries(runDir string, history []model.EpochRecord) error {
	path := filepath.Join(runDir, seriesFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	return writeSeriesAndClose(file, history)
}

func writeSeriesAndClose(wc io.WriteCloser, history []model.EpochRecord) error {
	if err := writeSeries(wc, history); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func writeSeries(w io.Writer, history []model.EpochRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"epoch", "metric", "best", "best_metric"}); err != nil {
		return err
	}
	for _, record := range history {
		bestMetric := ""
		if record.BestMetric != nil {
			bestMetric = strconv.FormatFloat(*record.BestMetric, 'f', -1, 64)
		}
		if err := writer.Write([]string{
			strconv.Itoa(record.Epoch),
			strconv.FormatFloat(record.Metric, 'f', -1, 64),
			strconv.FormatBool(record.Best),
			bestMetric,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadEpochSeries(baseDir, runID string) ([]model.EpochRecord, bool, error) {
	path := filepath.Join(baseDir, runID, seriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.EpochRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < seriesHeaderSize {
		return nil, false, fmt.Errorf("epoch series header must have %d columns", seriesHeaderSize)
	}

	series := make([]model.EpochRecord, 0, 128)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		record, err := parseSeriesRow(row)
		if err != nil {
			return nil, false, err
		}
		series = append(series, record)
	}
	return series, true, nil
}

func parseSeriesRow(row []string) (model.EpochRecord, error) {
	if len(row) < seriesHeaderSize {
		return model.EpochRecord{}, fmt.Errorf("epoch series row must have %d columns", seriesHeaderSize)
	}
	epoch, err := strconv.Atoi(row[0])
	if err != nil {
		return model.EpochRecord{}, err
	}
	metric, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return model.EpochRecord{}, err
	}
	best, err := strconv.ParseBool(row[2])
	if err != nil {
		return model.EpochRecord{}, err
	}
	record := model.EpochRecord{Epoch: epoch, Metric: metric, Best: best}
	if row[3] != "" {
		bestMetric, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return model.EpochRecord{}, err
		}
		record.BestMetric = &bestMetric
	}
	return record, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
