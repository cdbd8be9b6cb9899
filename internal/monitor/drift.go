package monitor

import (
	"fmt"
	"math"
	"slices"
)

// Detector compares a recent window against a baseline window. Larger
// statistics mean more drift.
type Detector interface {
	Name() string
	Statistic(baseline, recent []float64) float64
}

func NewDetector(name string) (Detector, error) {
	switch name {
	case "", "mean_shift":
		return MeanShift{}, nil
	case "ks":
		return KolmogorovSmirnov{}, nil
	default:
		return nil, fmt.Errorf("unknown drift detector %q", name)
	}
}

// MeanShift is |mean(recent) - mean(baseline)| / |mean(baseline)|.
type MeanShift struct{}

func (MeanShift) Name() string { return "mean_shift" }

func (MeanShift) Statistic(baseline, recent []float64) float64 {
	b, r := mean(baseline), mean(recent)
	if b == 0 {
		if r == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(r-b) / math.Abs(b)
}

// KolmogorovSmirnov is the two-sample KS statistic: the largest gap between
// the empirical distribution functions.
type KolmogorovSmirnov struct{}

func (KolmogorovSmirnov) Name() string { return "ks" }

func (KolmogorovSmirnov) Statistic(baseline, recent []float64) float64 {
	if len(baseline) == 0 || len(recent) == 0 {
		return 0
	}
	a, b := slices.Clone(baseline), slices.Clone(recent)
	slices.Sort(a)
	slices.Sort(b)

	var i, j int
	var d float64
	for i < len(a) && j < len(b) {
		x := min(a[i], b[j])
		for i < len(a) && a[i] == x {
			i++
		}
		for j < len(b) && b[j] == x {
			j++
		}
		gap := math.Abs(float64(i)/float64(len(a)) - float64(j)/float64(len(b)))
		d = max(d, gap)
	}
	return d
}
