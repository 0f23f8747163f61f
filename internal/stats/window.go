package stats

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates training measurements between two log lines.
type Window struct {
	steps       int
	step        time.Duration
	lossSum     float64
	regSum      float64
	lastLoss    float64
	lastPenalty float64
}

func (w *Window) Record(stepTime time.Duration, loss, regularization float64) {
	w.steps++
	w.step += stepTime
	w.lossSum += loss
	w.regSum += regularization
	w.lastLoss = loss
	w.lastPenalty = regularization
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{
		Steps:              w.steps,
		LastLoss:           w.lastLoss,
		LastRegularization: w.lastPenalty,
	}
	if w.steps > 0 {
		snap.AvgLoss = w.lossSum / float64(w.steps)
		snap.AvgRegularization = w.regSum / float64(w.steps)
		snap.AvgStepMS = (w.step.Seconds() * 1000) / float64(w.steps)
	}

	*w = Window{}
	return snap
}

type Snapshot struct {
	Steps              int
	AvgLoss            float64
	AvgRegularization  float64
	AvgStepMS          float64
	LastLoss           float64
	LastRegularization float64
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("values must not be empty")
	}
	return stat.Mean(values, nil), nil
}

// Std returns population standard deviation.
func Std(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("values must not be empty")
	}
	return stat.PopStdDev(values, nil), nil
}

// WindowMeans splits series into consecutive windows of size and returns the
// mean of each. A trailing partial window is dropped.
func WindowMeans(series []float64, size int) ([]float64, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be > 0")
	}
	out := make([]float64, 0, len(series)/size)
	for start := 0; start+size <= len(series); start += size {
		out = append(out, stat.Mean(series[start:start+size], nil))
	}
	return out, nil
}

// NonIncreasing reports whether every window mean is at most the previous one
// plus tolerance.
func NonIncreasing(means []float64, tolerance float64) bool {
	for i := 1; i < len(means); i++ {
		if means[i] > means[i-1]+tolerance {
			return false
		}
	}
	return true
}

// LossTrend summarises a loss history over consecutive fixed-size windows.
type LossTrend struct {
	WindowSize    int
	WindowMeans   []float64
	NonIncreasing bool
	// LastWindowStd is the population std of the last full window.
	LastWindowStd float64
}

// Trend computes the windowed loss trend. A history shorter than one window
// has no means and counts as non-increasing.
func Trend(series []float64, size int, tolerance float64) (LossTrend, error) {
	means, err := WindowMeans(series, size)
	if err != nil {
		return LossTrend{}, err
	}
	trend := LossTrend{
		WindowSize:    size,
		WindowMeans:   means,
		NonIncreasing: NonIncreasing(means, tolerance),
	}
	if n := len(means); n > 0 {
		last := series[(n-1)*size : n*size]
		if trend.LastWindowStd, err = Std(last); err != nil {
			return LossTrend{}, err
		}
	}
	return trend, nil
}
