// Package processor provides the device backends a DNPU node drives: a
// hardware driver wrapper and a differentiable surrogate model.
package processor

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

const (
	PlatformHardware   = "hardware"
	PlatformSimulation = "simulation"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrElectrodeCount      = errors.New("electrode count mismatch")
)

// Backend evaluates full electrode batches. Voltage bounds are indexed by
// electrode and fixed for the backend's lifetime.
type Backend interface {
	ElectrodeCount() int
	MinVoltage() []float64
	MaxVoltage() []float64
	Forward(ctx context.Context, full *mat.Dense) (*mat.Dense, error)
	Reset(ctx context.Context) error
}

// Differentiable backends can report the gradient of a loss with respect to
// their electrode inputs given the gradient with respect to their outputs.
type Differentiable interface {
	Backend
	InputGradient(ctx context.Context, full, gradOut *mat.Dense) (*mat.Dense, error)
}

// Config carries the platform selector plus the backend specific fields. Fields
// belonging to the other platform are ignored.
type Config struct {
	Platform string

	// simulation
	ModelPath string
	Model     *ModelFile
	NoiseStd  float64
	Seed      int64

	// hardware
	Driver        string
	InputChannels []int
	MinVoltage    []float64
	MaxVoltage    []float64

	// Options holds driver specific settings, opaque to this package.
	Options map[string]any
}

func New(cfg Config) (Backend, error) {
	switch cfg.Platform {
	case PlatformHardware:
		return NewHardwareBackend(cfg)
	case PlatformSimulation:
		return NewSimulationBackend(cfg)
	default:
		return nil, fmt.Errorf("%w: %q is not recognised, the platform has to be either %q or %q",
			ErrUnsupportedPlatform, cfg.Platform, PlatformHardware, PlatformSimulation)
	}
}

func CloseIfSupported(backend Backend) error {
	closer, ok := backend.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

func checkElectrodes(full *mat.Dense, want int) error {
	if full == nil {
		return fmt.Errorf("%w: input batch is required", ErrElectrodeCount)
	}
	if _, cols := full.Dims(); cols != want {
		return fmt.Errorf("%w: got %d electrodes, want %d", ErrElectrodeCount, cols, want)
	}
	return nil
}
