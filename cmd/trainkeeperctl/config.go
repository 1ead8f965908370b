package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	tkapi "trainkeeper/pkg/trainkeeper"
)

// loadTrainRequestFromConfig reads a JSON train config. Keys follow the run
// configuration names: network_filestem, batch_size, epoch_bound,
// reset_score, compare, plus the linear engine settings.
func loadTrainRequestFromConfig(path string) (tkapi.LinearRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tkapi.LinearRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return tkapi.LinearRequest{}, err
	}

	var req tkapi.LinearRequest
	if v, ok := asString(raw["network_filestem"]); ok {
		req.NetworkFilestem = v
	}
	if v, ok := asString(raw["checkpoint_dir"]); ok {
		req.CheckpointDir = v
	}
	if v, ok := asString(raw["ext"]); ok {
		req.Ext = v
	}
	if v, ok := asString(raw["backup_dir"]); ok {
		req.BackupDir = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asInt(raw["epoch_bound"]); ok {
		req.EpochBound = &v
	}
	if v, ok := asBool(raw["reset_score"]); ok {
		req.ResetScore = v
	}
	if v, ok := asString(raw["compare"]); ok {
		req.Compare = v
	}
	if values, ok := raw["target"].([]any); ok {
		target := make([]float64, 0, len(values))
		for i, value := range values {
			f, ok := asFloat64(value)
			if !ok {
				return tkapi.LinearRequest{}, fmt.Errorf("target[%d] is not a number", i)
			}
			target = append(target, f)
		}
		req.Target = target
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		req.LearningRate = v
	}
	if v, ok := asFloat64(raw["momentum"]); ok {
		req.Momentum = v
	}
	if v, ok := asFloat64(raw["noise"]); ok {
		req.Noise = v
	}
	if v, ok := asInt(raw["generator_batch"]); ok {
		req.GeneratorBatch = v
	}
	if v, ok := asInt(raw["holdout_size"]); ok {
		req.HoldoutSize = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func overrideFromFlags(req *tkapi.LinearRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "network-filestem":
			req.NetworkFilestem = v.(string)
		case "checkpoint-dir":
			req.CheckpointDir = v.(string)
		case "ext":
			req.Ext = v.(string)
		case "backup-dir":
			req.BackupDir = v.(string)
		case "batch-size":
			req.BatchSize = v.(int)
		case "epochs":
			epochs := v.(int)
			req.EpochBound = &epochs
		case "reset-score":
			req.ResetScore = v.(bool)
		case "compare":
			req.Compare = v.(string)
		case "target":
			target, err := parseTarget(v.(string))
			if err != nil {
				return err
			}
			req.Target = target
		case "lr":
			req.LearningRate = v.(float64)
		case "momentum":
			req.Momentum = v.(float64)
		case "noise":
			req.Noise = v.(float64)
		case "generator-batch":
			req.GeneratorBatch = v.(int)
		case "holdout":
			req.HoldoutSize = v.(int)
		case "seed":
			req.Seed = v.(int64)
		}
	}
	if req.EpochBound == nil {
		epochs := 20
		req.EpochBound = &epochs
	}
	return nil
}

func loadOrDefaultTrainRequest(configPath string) (tkapi.LinearRequest, error) {
	if configPath == "" {
		return tkapi.LinearRequest{}, nil
	}
	req, err := loadTrainRequestFromConfig(configPath)
	if err != nil {
		return tkapi.LinearRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

func parseTarget(s string) ([]float64, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("target must list at least one weight")
	}
	target := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", part, err)
		}
		target = append(target, f)
	}
	return target, nil
}
