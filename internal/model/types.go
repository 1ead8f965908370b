package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Model is one immutable training state. Payload is owned by the compute
// engine and is never interpreted here.
type Model struct {
	Payload        []byte `json:"payload"`
	EpochCount     int    `json:"epoch_count"`
	CVLoss         Loss   `json:"cv_loss"`
	ParameterCount int    `json:"parameter_count"`
}

// NextEpoch returns a copy of m with the epoch counter advanced by one.
func (m Model) NextEpoch() Model {
	m.EpochCount++
	return m
}

func (m Model) WithCVLoss(loss Loss) Model {
	m.CVLoss = loss
	return m
}

// ResetScore drops the recorded best metric so the next evaluation is
// treated as a first evaluation.
func (m Model) ResetScore() Model {
	m.CVLoss = Loss{}
	return m
}

// RunRecord describes one training run in the history store.
type RunRecord struct {
	VersionedRecord
	ID             string   `json:"id"`
	Stem           string   `json:"stem"`
	CanonicalPath  string   `json:"canonical_path"`
	BatchSize      int      `json:"batch_size"`
	EpochBound     *int     `json:"epoch_bound,omitempty"`
	StartEpoch     int      `json:"start_epoch"`
	FinalEpoch     int      `json:"final_epoch"`
	BestMetric     *float64 `json:"best_metric,omitempty"`
	BackupPath     string   `json:"backup_path,omitempty"`
	StartedAtUTC   string   `json:"started_at_utc"`
	FinishedAtUTC  string   `json:"finished_at_utc,omitempty"`
	CheckpointHits int      `json:"checkpoint_hits"`
	Host           string   `json:"host,omitempty"`
}

// EpochRecord is the per-epoch outcome appended to a run's history.
type EpochRecord struct {
	Epoch      int      `json:"epoch"`
	Metric     float64  `json:"metric"`
	Best       bool     `json:"best"`
	BestMetric *float64 `json:"best_metric,omitempty"`
}
