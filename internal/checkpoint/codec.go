package checkpoint

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"trainkeeper/internal/model"
)

// Codec converts records to and from bytes.
type Codec interface {
	Name() string
	Encode(r Record) ([]byte, error)
	Decode(data []byte) (Record, error)
}

// CodecFor picks JSON for .json files and the protobuf codec otherwise.
func CodecFor(ext string) Codec {
	if strings.EqualFold(strings.TrimPrefix(ext, "."), "json") {
		return JSONCodec{}
	}
	return ProtoCodec{}
}

// CodecFromName maps a format flag value to a codec.
func CodecFromName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "json":
		return JSONCodec{}, nil
	case "", "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(r Record) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (JSONCodec) Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	if err := checkVersion(r.VersionedRecord); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Field numbers of the protobuf checkpoint message.
const (
	fieldSchemaVersion  protowire.Number = 1
	fieldCodecVersion   protowire.Number = 2
	fieldPayload        protowire.Number = 3
	fieldEpochCount     protowire.Number = 4
	fieldParameterCount protowire.Number = 5
	fieldLossKind       protowire.Number = 6
	fieldLossScalar     protowire.Number = 7
	fieldLossPart       protowire.Number = 8
	fieldLossRaw        protowire.Number = 9
	fieldRunID          protowire.Number = 10
	fieldSavedAt        protowire.Number = 11
	fieldHost           protowire.Number = 12

	fieldPartName  protowire.Number = 1
	fieldPartValue protowire.Number = 2
)

// ProtoCodec writes records in protobuf wire format. Breakdown components
// are repeated name/value messages in name order.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(r Record) ([]byte, error) {
	var b []byte
	b = appendVarint(b, fieldSchemaVersion, uint64(r.SchemaVersion))
	b = appendVarint(b, fieldCodecVersion, uint64(r.CodecVersion))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Payload)
	b = appendVarint(b, fieldEpochCount, uint64(r.EpochCount))
	b = appendVarint(b, fieldParameterCount, uint64(r.ParameterCount))
	b = appendVarint(b, fieldLossKind, uint64(r.CVLoss.Kind()))

	switch r.CVLoss.Kind() {
	case model.LossScalar:
		v, _ := r.CVLoss.Value()
		b = protowire.AppendTag(b, fieldLossScalar, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case model.LossBreakdown:
		parts, _ := r.CVLoss.Parts()
		for _, name := range r.CVLoss.PartNames() {
			var part []byte
			part = appendString(part, fieldPartName, name)
			part = protowire.AppendTag(part, fieldPartValue, protowire.Fixed64Type)
			part = protowire.AppendFixed64(part, math.Float64bits(parts[name]))
			b = protowire.AppendTag(b, fieldLossPart, protowire.BytesType)
			b = protowire.AppendBytes(b, part)
		}
	case model.LossOpaque:
		b = appendString(b, fieldLossRaw, r.CVLoss.Raw())
	}

	b = appendString(b, fieldRunID, r.RunID)
	b = appendString(b, fieldSavedAt, r.SavedAtUTC)
	b = appendString(b, fieldHost, r.Host)
	return b, nil
}

func (ProtoCodec) Decode(data []byte) (Record, error) {
	var (
		r      Record
		kind   model.LossKind
		scalar float64
		raw    string
	)
	parts := map[string]float64{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				return n, nil
			}
			switch num {
			case fieldSchemaVersion:
				r.SchemaVersion = int(v)
			case fieldCodecVersion:
				r.CodecVersion = int(v)
			case fieldEpochCount:
				r.EpochCount = int(v)
			case fieldParameterCount:
				r.ParameterCount = int(v)
			case fieldLossKind:
				kind = model.LossKind(v)
			}
			return n, nil
		case typ == protowire.Fixed64Type && num == fieldLossScalar:
			v, n := protowire.ConsumeFixed64(field)
			scalar = math.Float64frombits(v)
			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return n, nil
			}
			switch num {
			case fieldPayload:
				r.Payload = append([]byte(nil), v...)
			case fieldLossPart:
				name, value, err := decodePart(v)
				if err != nil {
					return 0, err
				}
				parts[name] = value
			case fieldLossRaw:
				raw = string(v)
			case fieldRunID:
				r.RunID = string(v)
			case fieldSavedAt:
				r.SavedAtUTC = string(v)
			case fieldHost:
				r.Host = string(v)
			}
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
	})
	if err != nil {
		return Record{}, err
	}
	if err := checkVersion(r.VersionedRecord); err != nil {
		return Record{}, err
	}

	switch kind {
	case model.LossAbsent:
	case model.LossScalar:
		r.CVLoss = model.Scalar(scalar)
	case model.LossBreakdown:
		r.CVLoss = model.Breakdown(parts)
	case model.LossOpaque:
		r.CVLoss = model.Opaque(raw)
	default:
		return Record{}, fmt.Errorf("decode checkpoint: unknown loss kind %d", kind)
	}
	return r, nil
}

func decodePart(data []byte) (string, float64, error) {
	var (
		name  string
		value float64
	)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == fieldPartName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			name = string(v)
			return n, nil
		case num == fieldPartValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(field)
			value = math.Float64frombits(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, field), nil
		}
	})
	return name, value, err
}

// consumeFields walks a protobuf message. fn consumes one field value and
// returns its length, or a negative protowire error code.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("decode checkpoint: %w", protowire.ParseError(n))
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("decode checkpoint field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
