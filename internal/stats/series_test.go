package stats

import (
	"math"
	"strings"
	"testing"

	"trainkeeper/internal/model"
)

func TestSummarizeSeriesLowerIsBetter(t *testing.T) {
	summary := SummarizeSeries([]model.EpochRecord{
		{Epoch: 1, Metric: 4, Best: true},
		{Epoch: 2, Metric: 2, Best: true},
		{Epoch: 3, Metric: 3},
		{Epoch: 4, Metric: 1, Best: true},
	}, false)
	if summary.Epochs != 4 || summary.NewBests != 3 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.Initial != 4 || summary.Final != 1 || summary.Min != 1 || summary.Max != 4 {
		t.Fatalf("unexpected bounds: %+v", summary)
	}
	if summary.Mean != 2.5 || math.Abs(summary.Std-math.Sqrt(1.25)) > 1e-12 {
		t.Fatalf("unexpected moments: %+v", summary)
	}
	if summary.Improvement != 3 {
		t.Fatalf("expected improvement 3, got %v", summary.Improvement)
	}
}

func TestSummarizeSeriesHigherIsBetter(t *testing.T) {
	summary := SummarizeSeries([]model.EpochRecord{{Metric: 0.5}, {Metric: 0.8}, {Metric: 0.7}}, true)
	if math.Abs(summary.Improvement-0.3) > 1e-12 {
		t.Fatalf("expected improvement 0.3, got %v", summary.Improvement)
	}
	if empty := SummarizeSeries(nil, true); empty.Epochs != 0 {
		t.Fatalf("expected empty summary, got %+v", empty)
	}
}

func TestHostCPUMentionsArchitecture(t *testing.T) {
	host := HostCPU()
	if !strings.Contains(host, "cores") {
		t.Fatalf("unexpected host description: %q", host)
	}
}
