package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
)

type LossKind int

const (
	LossAbsent LossKind = iota
	LossScalar
	LossBreakdown
	// LossOpaque holds a stored value that is neither a number nor a
	// mapping. It is only ever coerced, never produced by evaluation.
	LossOpaque
)

func (k LossKind) String() string {
	switch k {
	case LossAbsent:
		return "absent"
	case LossScalar:
		return "scalar"
	case LossBreakdown:
		return "breakdown"
	case LossOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Loss is the recorded fitness of a model: absent, a single number or a
// named breakdown of sub-metrics. The zero value is absent.
type Loss struct {
	kind      LossKind
	value     float64
	breakdown map[string]float64
	raw       string
}

func Scalar(v float64) Loss {
	return Loss{kind: LossScalar, value: v}
}

func Breakdown(parts map[string]float64) Loss {
	if parts == nil {
		parts = map[string]float64{}
	}
	return Loss{kind: LossBreakdown, breakdown: maps.Clone(parts)}
}

func Opaque(raw string) Loss {
	return Loss{kind: LossOpaque, raw: raw}
}

func (l Loss) Kind() LossKind { return l.kind }

func (l Loss) IsAbsent() bool { return l.kind == LossAbsent }

// Value returns the scalar value when the loss is a scalar.
func (l Loss) Value() (float64, bool) {
	return l.value, l.kind == LossScalar
}

// Parts returns a copy of the breakdown when the loss is a breakdown.
func (l Loss) Parts() (map[string]float64, bool) {
	if l.kind != LossBreakdown {
		return nil, false
	}
	return maps.Clone(l.breakdown), true
}

// PartNames lists breakdown component names in sorted order.
func (l Loss) PartNames() []string {
	if l.kind != LossBreakdown {
		return nil
	}
	names := maps.Keys(l.breakdown)
	slices.Sort(names)
	return names
}

func (l Loss) Raw() string { return l.raw }

func (l Loss) String() string {
	switch l.kind {
	case LossScalar:
		return strconv.FormatFloat(l.value, 'g', -1, 64)
	case LossBreakdown:
		parts := make([]string, 0, len(l.breakdown))
		for _, name := range l.PartNames() {
			parts = append(parts, name+":"+strconv.FormatFloat(l.breakdown[name], 'g', -1, 64))
		}
		return "{" + strings.Join(parts, " ") + "}"
	case LossOpaque:
		return fmt.Sprintf("%q", l.raw)
	default:
		return "none"
	}
}

func (l Loss) MarshalJSON() ([]byte, error) {
	switch l.kind {
	case LossScalar:
		return json.Marshal(l.value)
	case LossBreakdown:
		return json.Marshal(l.breakdown)
	case LossOpaque:
		return json.Marshal(l.raw)
	default:
		return []byte("null"), nil
	}
}

func (l *Loss) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = Loss{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*l = Scalar(f)
		return nil
	}
	var parts map[string]float64
	if err := json.Unmarshal(data, &parts); err == nil {
		*l = Breakdown(parts)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Opaque(s)
		return nil
	}
	*l = Opaque(string(data))
	return nil
}

// Reducer turns a loss into a sortable scalar. ok is false when the loss
// carries no usable number.
type Reducer func(Loss) (value float64, ok bool)

// SumReducer returns scalars as is, sums breakdown components and parses
// opaque text as a float.
func SumReducer(l Loss) (float64, bool) {
	switch l.kind {
	case LossScalar:
		return l.value, true
	case LossBreakdown:
		total := 0.0
		for _, name := range l.PartNames() {
			total += l.breakdown[name]
		}
		return total, true
	case LossOpaque:
		v, err := strconv.ParseFloat(strings.TrimSpace(l.raw), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}
