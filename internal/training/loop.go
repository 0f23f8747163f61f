// Package training runs gradient descent on the control voltages of a DNPU
// node against a fixed batch.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"dnpu/internal/dnpu"
	"dnpu/internal/optim"
	"dnpu/internal/stats"
)

var ErrNonFiniteOutput = errors.New("non-finite backend output")

type Config struct {
	Epochs       int
	LearningRate float64
	LogEvery     int
	Logger       *slog.Logger
}

// Result holds per-epoch histories. When training stops early the histories
// cover only the completed epochs.
type Result struct {
	Loss           []float64
	Regularization []float64
	// ControlDelta is sum(bias - initial bias) after each epoch.
	ControlDelta           []float64
	InitialControlVoltages []float64
	ControlVoltages        []float64
	Output                 *mat.Dense
	EpochsRun              int
	StoppedEarly           bool
}

func (r Result) FinalLoss() float64 {
	if len(r.Loss) == 0 {
		return math.NaN()
	}
	return r.Loss[len(r.Loss)-1]
}

// Train minimizes MSE(node(inputs), targets) + node.Regularization(). The
// optimizer state is reset first, so an optimizer can be reused across runs.
// A non-finite output ends training with ErrNonFiniteOutput and the partial
// result.
func Train(ctx context.Context, node *dnpu.Node, inputs, targets *mat.Dense, opt optim.Optimizer, cfg Config) (Result, error) {
	if cfg.Epochs <= 0 {
		return Result{}, errors.New("training: epochs must be > 0")
	}
	if cfg.LearningRate <= 0 {
		return Result{}, errors.New("training: learning rate must be > 0")
	}
	if opt == nil {
		return Result{}, errors.New("training: optimizer is required")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opt.Reset()
	params := optimParams(node)
	start := node.ControlVoltages()
	result := Result{
		Loss:                   make([]float64, 0, cfg.Epochs),
		Regularization:         make([]float64, 0, cfg.Epochs),
		ControlDelta:           make([]float64, 0, cfg.Epochs),
		InitialControlVoltages: start,
	}
	var window stats.Window

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			result.ControlVoltages = node.ControlVoltages()
			return result, err
		}
		began := time.Now()

		node.ZeroGrad()
		out, err := node.Forward(ctx, inputs)
		if err != nil {
			result.ControlVoltages = node.ControlVoltages()
			return result, err
		}
		if !allFinite(out) {
			result.StoppedEarly = true
			result.ControlVoltages = node.ControlVoltages()
			logger.Warn("non-finite output, stopping training", slog.Int("epoch", epoch))
			return result, fmt.Errorf("%w at epoch %d", ErrNonFiniteOutput, epoch)
		}
		result.Output = out

		mse, gradOut, err := MSE(out, targets)
		if err != nil {
			result.ControlVoltages = node.ControlVoltages()
			return result, err
		}
		penalty := node.Regularization()
		loss := mse + penalty

		if err := node.Backward(ctx, inputs, gradOut); err != nil {
			result.ControlVoltages = node.ControlVoltages()
			return result, err
		}
		node.RegularizationBackward()
		opt.Step(params, cfg.LearningRate)

		result.Loss = append(result.Loss, loss)
		result.Regularization = append(result.Regularization, penalty)
		result.ControlDelta = append(result.ControlDelta, delta(node.ControlVoltages(), start))
		result.EpochsRun = epoch
		window.Record(time.Since(began), loss, penalty)

		if epoch%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			logger.Info("training progress",
				slog.Int("epoch", epoch),
				slog.Float64("loss", snap.LastLoss),
				slog.Float64("avg_loss", snap.AvgLoss),
				slog.Float64("regularization", snap.LastRegularization),
				slog.Float64("step_ms", snap.AvgStepMS),
			)
		}
	}

	result.ControlVoltages = node.ControlVoltages()
	return result, nil
}

func optimParams(node *dnpu.Node) []optim.Param {
	nodeParams := node.Parameters()
	params := make([]optim.Param, 0, len(nodeParams))
	for _, p := range nodeParams {
		params = append(params, p)
	}
	return params
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !isFinite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func delta(current, start []float64) float64 {
	total := 0.0
	for i := range current {
		total += current[i] - start[i]
	}
	return total
}
