package model

import (
	"encoding/json"
	"testing"
)

func TestSumReducer(t *testing.T) {
	if _, ok := SumReducer(Loss{}); ok {
		t.Fatal("expected absent loss to be unreducible")
	}
	if v, ok := SumReducer(Scalar(0.25)); !ok || v != 0.25 {
		t.Fatalf("scalar reduce: got=%v ok=%t", v, ok)
	}
	if v, ok := SumReducer(Breakdown(map[string]float64{"a": 1.0, "b": 2.0})); !ok || v != 3.0 {
		t.Fatalf("breakdown reduce: got=%v ok=%t", v, ok)
	}
	if v, ok := SumReducer(Opaque(" 0.5 ")); !ok || v != 0.5 {
		t.Fatalf("opaque numeric reduce: got=%v ok=%t", v, ok)
	}
	if _, ok := SumReducer(Opaque("corrupt")); ok {
		t.Fatal("expected non-numeric opaque loss to be unreducible")
	}
}

func TestLossJSONRoundTripKeepsRepresentation(t *testing.T) {
	cases := []Loss{
		{},
		Scalar(1.5),
		Breakdown(map[string]float64{"mse": 0.5, "reg": 0.1}),
		Opaque("n/a"),
	}
	for _, in := range cases {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal %s: %v", in, err)
		}
		var out Loss
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if out.Kind() != in.Kind() || out.String() != in.String() {
			t.Fatalf("round trip mismatch: in=%s out=%s", in, out)
		}
	}
}

func TestLossUnmarshalUnknownShapeIsOpaque(t *testing.T) {
	var l Loss
	if err := json.Unmarshal([]byte(`[1, 2]`), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if l.Kind() != LossOpaque || l.Raw() != "[1, 2]" {
		t.Fatalf("expected opaque raw loss, got kind=%s raw=%q", l.Kind(), l.Raw())
	}
}

func TestBreakdownIsCopied(t *testing.T) {
	parts := map[string]float64{"a": 1}
	l := Breakdown(parts)
	parts["a"] = 10
	got, _ := l.Parts()
	if got["a"] != 1 {
		t.Fatalf("breakdown aliased caller map: %v", got)
	}
	got["a"] = 20
	again, _ := l.Parts()
	if again["a"] != 1 {
		t.Fatalf("parts aliased internal map: %v", again)
	}
}

func TestModelHelpersDoNotMutate(t *testing.T) {
	m := Model{EpochCount: 2, CVLoss: Scalar(1)}
	next := m.NextEpoch()
	reset := m.ResetScore()
	if m.EpochCount != 2 || next.EpochCount != 3 {
		t.Fatalf("unexpected epoch counts: orig=%d next=%d", m.EpochCount, next.EpochCount)
	}
	if m.CVLoss.IsAbsent() || !reset.CVLoss.IsAbsent() {
		t.Fatalf("unexpected loss state: orig=%s reset=%s", m.CVLoss, reset.CVLoss)
	}
}

func TestPartNamesSorted(t *testing.T) {
	loss := Breakdown(map[string]float64{"mse": 1, "l2": 0.5, "aux": 2})
	names := loss.PartNames()
	want := []string{"aux", "l2", "mse"}
	if len(names) != len(want) {
		t.Fatalf("unexpected part names: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected part names: %v", names)
		}
	}
	if Scalar(1).PartNames() != nil {
		t.Fatal("scalar loss has no parts")
	}
}
