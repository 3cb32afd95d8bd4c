package health

import "math"

// WindowedVarianceDetector is the default DriftDetector: it keeps a
// trailing window of observations and signals drift when a new value
// falls more than thresholdStdDevs standard deviations from the window's
// running mean. This stands in for the original's river.ADWIN, which has
// no Go port in the corpus (SPEC_FULL.md §C) — it is not a statistical
// equivalent, only a cheap proxy with the same on/off shape.
type WindowedVarianceDetector struct {
	window    []float64
	size      int
	threshold float64
}

// NewWindowedVarianceDetector constructs a detector keeping the last size
// observations, flagging drift when a new point exceeds thresholdStdDevs
// standard deviations from the window mean.
func NewWindowedVarianceDetector(size int, thresholdStdDevs float64) *WindowedVarianceDetector {
	if size < 2 {
		size = 2
	}
	return &WindowedVarianceDetector{size: size, threshold: thresholdStdDevs}
}

// Update feeds one observation and reports whether it drifted from the
// preceding window.
func (d *WindowedVarianceDetector) Update(value float64) bool {
	drifted := false
	if len(d.window) >= 2 {
		mean, stddev := meanStdDev(d.window)
		switch {
		case stddev > 0 && math.Abs(value-mean) > d.threshold*stddev:
			drifted = true
		case stddev == 0 && value != mean:
			drifted = true
		}
	}
	d.window = append(d.window, value)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
	return drifted
}

func meanStdDev(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}
