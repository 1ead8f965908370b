package checkpoint

import (
	"errors"
	"testing"

	"trainkeeper/internal/model"
)

func sampleRecords() []Record {
	base := NewRecord(model.Model{Payload: []byte{1, 2, 3}, EpochCount: 7, ParameterCount: 11})
	scalar := base
	scalar.CVLoss = model.Scalar(0.125)
	scalar.RunID = "run-1"
	scalar.Host = "test-cpu"
	scalar.SavedAtUTC = "2026-10-18T10:00:00Z"
	breakdown := base
	breakdown.CVLoss = model.Breakdown(map[string]float64{"mse": 0.5, "reg": 0.25})
	emptyBreakdown := base
	emptyBreakdown.CVLoss = model.Breakdown(nil)
	opaque := base
	opaque.CVLoss = model.Opaque("pending")
	return []Record{base, scalar, breakdown, emptyBreakdown, opaque}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		for _, in := range sampleRecords() {
			data, err := codec.Encode(in)
			if err != nil {
				t.Fatalf("%s encode: %v", codec.Name(), err)
			}
			out, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("%s decode: %v", codec.Name(), err)
			}
			if out.EpochCount != in.EpochCount || out.ParameterCount != in.ParameterCount || string(out.Payload) != string(in.Payload) {
				t.Fatalf("%s: model fields mismatch: in=%+v out=%+v", codec.Name(), in, out)
			}
			if out.CVLoss.Kind() != in.CVLoss.Kind() || out.CVLoss.String() != in.CVLoss.String() {
				t.Fatalf("%s: loss mismatch: in=%s out=%s", codec.Name(), in.CVLoss, out.CVLoss)
			}
			if out.RunID != in.RunID || out.Host != in.Host || out.SavedAtUTC != in.SavedAtUTC {
				t.Fatalf("%s: metadata mismatch: in=%+v out=%+v", codec.Name(), in, out)
			}
		}
	}
}

func TestCodecsRejectVersionMismatch(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		r := NewRecord(model.Model{})
		r.SchemaVersion = CurrentSchemaVersion + 1
		data, err := codec.Encode(r)
		if err != nil {
			t.Fatalf("%s encode: %v", codec.Name(), err)
		}
		if _, err := codec.Decode(data); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("%s: expected version mismatch, got %v", codec.Name(), err)
		}
	}
}

func TestProtoCodecRejectsTruncatedInput(t *testing.T) {
	data, err := ProtoCodec{}.Encode(sampleRecords()[1])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := (ProtoCodec{}).Decode(data[:len(data)-3]); err == nil {
		t.Fatal("expected truncated input to fail")
	}
}

func TestCodecSelection(t *testing.T) {
	if CodecFor(".json").Name() != "json" || CodecFor("JSON").Name() != "json" {
		t.Fatal("expected json codec for json extension")
	}
	if CodecFor(".ckpt").Name() != "proto" {
		t.Fatal("expected proto codec for other extensions")
	}
	if _, err := CodecFromName("yaml"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}
