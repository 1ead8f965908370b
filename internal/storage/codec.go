package storage

import (
	"encoding/json"
	"errors"

	"trainkeeper/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeEpoch(r model.EpochRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeEpoch(data []byte) (model.EpochRecord, error) {
	var record model.EpochRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.EpochRecord{}, err
	}
	return record, nil
}

// Versioned stamps r with the current schema and codec versions.
func Versioned(r model.RunRecord) model.RunRecord {
	r.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	return r
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
