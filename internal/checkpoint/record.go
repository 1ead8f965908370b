// Package checkpoint persists best models to a canonical file, rotating any
// file found there at run start into a numbered backup slot.
package checkpoint

import (
	"errors"

	"trainkeeper/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrNotFound        = errors.New("checkpoint not found")
	ErrVersionMismatch = errors.New("record version mismatch")
)

// Record is the on-disk form of a model snapshot.
type Record struct {
	model.VersionedRecord
	Payload        []byte     `json:"payload"`
	EpochCount     int        `json:"epoch_count"`
	CVLoss         model.Loss `json:"cv_loss"`
	ParameterCount int        `json:"parameter_count"`
	RunID          string     `json:"run_id,omitempty"`
	SavedAtUTC     string     `json:"saved_at_utc,omitempty"`
	Host           string     `json:"host,omitempty"`
}

func NewRecord(m model.Model) Record {
	return Record{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Payload:         m.Payload,
		EpochCount:      m.EpochCount,
		CVLoss:          m.CVLoss,
		ParameterCount:  m.ParameterCount,
	}
}

func (r Record) Model() model.Model {
	return model.Model{
		Payload:        r.Payload,
		EpochCount:     r.EpochCount,
		CVLoss:         r.CVLoss,
		ParameterCount: r.ParameterCount,
	}
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
