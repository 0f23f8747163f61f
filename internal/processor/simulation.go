package processor

import (
	"context"
	"errors"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// SimulationBackend evaluates a surrogate model, optionally adding Gaussian
// output noise drawn from a seeded source.
type SimulationBackend struct {
	model    *Surrogate
	noiseStd float64
	seed     int64
	rng      *rand.Rand
}

func NewSimulationBackend(cfg Config) (*SimulationBackend, error) {
	if cfg.NoiseStd < 0 {
		return nil, errors.New("noise std must be >= 0")
	}
	var (
		model *Surrogate
		err   error
	)
	switch {
	case cfg.Model != nil:
		model, err = NewSurrogate(*cfg.Model)
	case cfg.ModelPath != "":
		model, err = LoadSurrogate(cfg.ModelPath)
	default:
		return nil, errors.New("simulation platform requires a surrogate model")
	}
	if err != nil {
		return nil, err
	}
	return &SimulationBackend{
		model:    model,
		noiseStd: cfg.NoiseStd,
		seed:     cfg.Seed,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// ElectrodeCount is the number of input offsets the surrogate was fitted on.
func (b *SimulationBackend) ElectrodeCount() int {
	return b.model.ElectrodeCount()
}

func (b *SimulationBackend) MinVoltage() []float64 {
	return b.model.MinVoltage()
}

func (b *SimulationBackend) MaxVoltage() []float64 {
	return b.model.MaxVoltage()
}

func (b *SimulationBackend) Forward(ctx context.Context, full *mat.Dense) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkElectrodes(full, b.ElectrodeCount()); err != nil {
		return nil, err
	}
	out := b.model.Evaluate(full)
	if b.noiseStd > 0 {
		out.Apply(func(_, _ int, v float64) float64 { return v + b.noiseStd*b.rng.NormFloat64() }, out)
	}
	return out, nil
}

// InputGradient ignores the additive noise, which has no dependence on the
// inputs.
func (b *SimulationBackend) InputGradient(ctx context.Context, full, gradOut *mat.Dense) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkElectrodes(full, b.ElectrodeCount()); err != nil {
		return nil, err
	}
	return b.model.InputGradient(full, gradOut)
}

// Reset restarts the noise trajectory from the configured seed.
func (b *SimulationBackend) Reset(_ context.Context) error {
	b.rng = rand.New(rand.NewSource(b.seed))
	return nil
}
