// Package dnpu wraps a device backend as a trainable unit: a subset of the
// electrodes receives external inputs and the rest are driven by learned
// control voltages kept in range by a soft boundary penalty.
package dnpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"dnpu/internal/electrode"
	"dnpu/internal/processor"
)

var (
	ErrInvalidVoltageRange = errors.New("invalid control voltage range")
	ErrNotDifferentiable   = errors.New("backend is not differentiable")
	ErrShapeMismatch       = electrode.ErrShapeMismatch
)

// Node is not safe for concurrent use. The bias is the only trainable state;
// backend parameters are never exposed for training.
type Node struct {
	backend   processor.Backend
	partition electrode.Partition
	alpha     float64
	low       []float64
	high      []float64
	bias      *Parameter
	rng       *rand.Rand
	logger    *slog.Logger
}

func New(cfg Config, opts ...Option) (*Node, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = processor.New(cfg.Processor)
		if err != nil {
			return nil, err
		}
	}

	partition, err := electrode.NewPartition(backend.ElectrodeCount(), cfg.InputIndices)
	if err != nil {
		return nil, err
	}

	alpha := DefaultRegularisationFactor
	if cfg.RegularisationFactor != nil {
		alpha = *cfg.RegularisationFactor
		if alpha < 0 || math.IsNaN(alpha) || math.IsInf(alpha, 0) {
			return nil, fmt.Errorf("regularisation factor must be a finite value >= 0, got %v", alpha)
		}
	} else {
		o.logger.Warn("regularisation factor not set, using default",
			slog.Float64("regularisation_factor", alpha))
	}

	control := partition.ControlIndices()
	minVoltage, maxVoltage := backend.MinVoltage(), backend.MaxVoltage()
	if len(minVoltage) != partition.ElectrodeCount() || len(maxVoltage) != partition.ElectrodeCount() {
		return nil, fmt.Errorf("%w: backend declares %d/%d bounds for %d electrodes",
			ErrInvalidVoltageRange, len(minVoltage), len(maxVoltage), partition.ElectrodeCount())
	}
	low := electrode.Select(minVoltage, control)
	high := electrode.Select(maxVoltage, control)
	if err := checkControlBounds(low, high); err != nil {
		return nil, err
	}

	n := &Node{
		backend:   backend,
		partition: partition,
		alpha:     alpha,
		low:       low,
		high:      high,
		rng:       o.rng,
		logger:    o.logger,
	}
	n.bias = NewParameter(BiasParameterName, n.sampleBias())
	return n, nil
}

// checkControlBounds expects device voltages to span zero: at least one
// negative lower bound and one positive upper bound.
func checkControlBounds(low, high []float64) error {
	anyNegative, anyPositive := false, false
	for k := range low {
		if low[k] < 0 {
			anyNegative = true
		}
		if high[k] > 0 {
			anyPositive = true
		}
		if !(low[k] < high[k]) {
			return fmt.Errorf("%w: control %d has empty range [%v, %v]", ErrInvalidVoltageRange, k, low[k], high[k])
		}
	}
	if !anyNegative {
		return fmt.Errorf("%w: min voltage is assumed to be negative, but every control minimum is >= 0: %v", ErrInvalidVoltageRange, low)
	}
	if !anyPositive {
		return fmt.Errorf("%w: max voltage is assumed to be positive, but every control maximum is <= 0: %v", ErrInvalidVoltageRange, high)
	}
	return nil
}

func (n *Node) sampleBias() []float64 {
	out := make([]float64, len(n.low))
	for k := range out {
		out[k] = n.low[k] + (n.high[k]-n.low[k])*n.rng.Float64()
	}
	return out
}

// Forward merges x (batch x inputs) with the bias broadcast over the batch and
// evaluates the backend. The backend output is returned as is.
func (n *Node) Forward(ctx context.Context, x mat.Matrix) (*mat.Dense, error) {
	full, err := electrode.Merge(x, n.bias.Values(), n.partition)
	if err != nil {
		return nil, err
	}
	return n.backend.Forward(ctx, full)
}

// Backward accumulates dLoss/dBias into the bias gradient given dLoss/dOutput
// for the batch x.
func (n *Node) Backward(ctx context.Context, x mat.Matrix, gradOut *mat.Dense) error {
	diff, ok := n.backend.(processor.Differentiable)
	if !ok {
		return ErrNotDifferentiable
	}
	full, err := electrode.Merge(x, n.bias.Values(), n.partition)
	if err != nil {
		return err
	}
	gradFull, err := diff.InputGradient(ctx, full, gradOut)
	if err != nil {
		return err
	}
	grad, err := electrode.GatherControl(gradFull, n.partition)
	if err != nil {
		return err
	}
	n.bias.AccumulateGrad(grad)
	return nil
}

// Regularization is alpha * sum(relu(low-b) + relu(b-high)): zero inside the
// control bounds and linear outside them.
func (n *Node) Regularization() float64 {
	total := 0.0
	for k, b := range n.bias.Values() {
		total += math.Max(n.low[k]-b, 0) + math.Max(b-n.high[k], 0)
	}
	return n.alpha * total
}

// RegularizationBackward accumulates the penalty's subgradient into the bias
// gradient. It is zero on the bounds themselves.
func (n *Node) RegularizationBackward() {
	grad := make([]float64, n.bias.Len())
	for k, b := range n.bias.Values() {
		switch {
		case b < n.low[k]:
			grad[k] = -n.alpha
		case b > n.high[k]:
			grad[k] = n.alpha
		}
	}
	n.bias.AccumulateGrad(grad)
}

// Reset resets the backend once, then redraws every control voltage uniformly
// within its own bounds.
func (n *Node) Reset(ctx context.Context) error {
	if err := n.backend.Reset(ctx); err != nil {
		return err
	}
	values := n.bias.Values()
	for k := range values {
		values[k] = n.low[k] + (n.high[k]-n.low[k])*n.rng.Float64()
	}
	n.logger.Debug("control voltages reset", slog.Any("control_voltages", n.bias.Snapshot()))
	return nil
}

// ControlVoltages returns a detached copy of the bias, one value per control
// electrode.
func (n *Node) ControlVoltages() []float64 {
	return n.bias.Snapshot()
}

// SetControlVoltages replaces the bias, e.g. when restoring a trained node.
// Values are not clipped.
func (n *Node) SetControlVoltages(values []float64) error {
	if len(values) != n.bias.Len() {
		return fmt.Errorf("%w: got %d control voltages, want %d", ErrShapeMismatch, len(values), n.bias.Len())
	}
	copy(n.bias.Values(), values)
	return nil
}

// Parameters lists the trainable parameters. Only the bias is registered.
func (n *Node) Parameters() []*Parameter {
	return []*Parameter{n.bias}
}

func (n *Node) ZeroGrad() {
	n.bias.ZeroGrad()
}

func (n *Node) Alpha() float64 {
	return n.alpha
}

func (n *Node) Partition() electrode.Partition {
	return n.partition
}

func (n *Node) ControlBounds() (low, high []float64) {
	return append([]float64(nil), n.low...), append([]float64(nil), n.high...)
}

func (n *Node) Backend() processor.Backend {
	return n.backend
}
