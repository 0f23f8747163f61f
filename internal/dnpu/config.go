package dnpu

import (
	"log/slog"
	"math/rand"

	"dnpu/internal/processor"
)

const (
	DefaultRegularisationFactor = 1.0
	BiasParameterName           = "bias"
)

// Config describes one node. RegularisationFactor is optional; nil falls back
// to DefaultRegularisationFactor.
type Config struct {
	Processor            processor.Config
	InputIndices         []int
	RegularisationFactor *float64
}

type Option func(*options)

type options struct {
	backend processor.Backend
	rng     *rand.Rand
	logger  *slog.Logger
}

// WithBackend bypasses the platform factory and uses backend directly.
func WithBackend(backend processor.Backend) Option {
	return func(o *options) {
		o.backend = backend
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
