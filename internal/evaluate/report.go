package evaluate

import (
	"k8s.io/klog/v2"

	"trainkeeper/internal/model"
)

// Progress is the once-per-epoch report line.
type Progress struct {
	Epoch     int
	Metric    float64
	BestSoFar float64
	HasBest   bool
	NewBest   bool
}

type Reporter interface {
	Report(p Progress)
	// Fallback is called when a recorded loss could not be coerced to a
	// number and is being treated as no previous best.
	Fallback(epoch int, recorded model.Loss)
}

// KlogReporter writes structured klog lines.
type KlogReporter struct{}

func (KlogReporter) Report(p Progress) {
	marker := ""
	if p.NewBest {
		marker = "*"
	}
	if !p.HasBest {
		klog.InfoS("epoch evaluated", "epoch", p.Epoch, "metric", p.Metric, "best", marker)
		return
	}
	klog.InfoS("epoch evaluated", "epoch", p.Epoch, "metric", p.Metric, "best_so_far", p.BestSoFar, "best", marker)
}

func (KlogReporter) Fallback(epoch int, recorded model.Loss) {
	klog.Warningf("epoch %d: recorded cv_loss %s is not numeric; treating as no previous best", epoch, recorded)
}

// Discard drops every report.
type Discard struct{}

func (Discard) Report(Progress)          {}
func (Discard) Fallback(int, model.Loss) {}
