package processor

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

const LoopbackDriverName = "loopback"

// loopbackDriver answers every batch with a weighted sum of the applied
// voltages. It stands in for equipment during bench checks.
type loopbackDriver struct {
	weights *mat.Dense
	resets  int
}

func newLoopbackDriver(cfg Config) (Driver, error) {
	n := len(cfg.InputChannels)
	weights := make([]float64, n)
	if raw, ok := cfg.Options["loopback_weights"]; ok {
		parsed, err := asFloatSlice(raw)
		if err != nil {
			return nil, fmt.Errorf("loopback_weights: %w", err)
		}
		if len(parsed) != n {
			return nil, fmt.Errorf("loopback_weights has %d entries, want %d", len(parsed), n)
		}
		copy(weights, parsed)
	} else {
		for i := range weights {
			weights[i] = 1 / float64(n)
		}
	}
	return &loopbackDriver{weights: mat.NewDense(n, 1, weights)}, nil
}

func (d *loopbackDriver) Forward(_ context.Context, full *mat.Dense) (*mat.Dense, error) {
	out := new(mat.Dense)
	out.Mul(full, d.weights)
	return out, nil
}

func (d *loopbackDriver) Reset(_ context.Context) error {
	d.resets++
	return nil
}

func asFloatSlice(v any) ([]float64, error) {
	switch values := v.(type) {
	case []float64:
		return append([]float64(nil), values...), nil
	case []any:
		out := make([]float64, 0, len(values))
		for i, item := range values {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			default:
				return nil, fmt.Errorf("entry %d is %T, want number", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("got %T, want list of numbers", v)
	}
}
