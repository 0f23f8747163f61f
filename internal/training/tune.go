package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"dnpu/internal/dnpu"
	"dnpu/internal/tuning"
)

type TuneConfig struct {
	Attempts int
	LogEvery int
	Logger   *slog.Logger
}

// Tune searches the node's control voltages with a gradient-free hill climber
// and leaves the node at the best vector found. It works for any backend,
// including hardware. Candidates with non-finite outputs are rejected; a
// non-finite output at the starting vector ends tuning with
// ErrNonFiniteOutput, StoppedEarly and an empty history. The tuner's Observe
// hook is replaced for the duration of the call.
func Tune(ctx context.Context, node *dnpu.Node, inputs, targets *mat.Dense, tuner *tuning.Exoself, cfg TuneConfig) (Result, tuning.TuneReport, error) {
	if cfg.Attempts <= 0 {
		return Result{}, tuning.TuneReport{}, errors.New("training: attempts must be > 0")
	}
	if tuner == nil {
		return Result{}, tuning.TuneReport{}, errors.New("training: tuner is required")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := node.ControlVoltages()
	result := Result{
		Loss:                   make([]float64, 0, cfg.Attempts),
		Regularization:         make([]float64, 0, cfg.Attempts),
		ControlDelta:           make([]float64, 0, cfg.Attempts),
		InitialControlVoltages: start,
	}

	evaluations := 0
	lossFn := func(ctx context.Context, control []float64) (float64, error) {
		evaluations++
		if err := node.SetControlVoltages(control); err != nil {
			return 0, err
		}
		out, err := node.Forward(ctx, inputs)
		if err != nil {
			return 0, err
		}
		if !allFinite(out) {
			if evaluations == 1 {
				return 0, fmt.Errorf("%w at starting control voltages", ErrNonFiniteOutput)
			}
			return math.Inf(1), nil
		}
		mse, _, err := MSE(out, targets)
		if err != nil {
			return 0, err
		}
		return mse + node.Regularization(), nil
	}

	previous := tuner.Observe
	tuner.Observe = func(attempt int, best []float64, bestLoss float64) {
		penalty := 0.0
		if err := node.SetControlVoltages(best); err == nil {
			penalty = node.Regularization()
		}
		result.Loss = append(result.Loss, bestLoss)
		result.Regularization = append(result.Regularization, penalty)
		result.ControlDelta = append(result.ControlDelta, delta(best, start))
		result.EpochsRun = attempt
		if attempt%cfg.LogEvery == 0 {
			logger.Info("tuning progress",
				slog.Int("attempt", attempt),
				slog.Float64("loss", bestLoss),
				slog.Float64("regularization", penalty),
			)
		}
	}
	defer func() {
		tuner.Observe = previous
	}()

	best, report, err := tuner.Tune(ctx, start, cfg.Attempts, lossFn)
	if err == nil && !isFinite(report.BestLoss) {
		err = fmt.Errorf("%w: best loss %v", ErrNonFiniteOutput, report.BestLoss)
	}
	if err != nil {
		_ = node.SetControlVoltages(start)
		result.ControlVoltages = node.ControlVoltages()
		if errors.Is(err, ErrNonFiniteOutput) {
			result.StoppedEarly = true
			result.Loss = result.Loss[:0]
			result.Regularization = result.Regularization[:0]
			result.ControlDelta = result.ControlDelta[:0]
			result.EpochsRun = 0
			logger.Warn("non-finite output, stopping tuning")
		}
		return result, report, err
	}
	if err := node.SetControlVoltages(best); err != nil {
		return result, report, err
	}
	result.ControlVoltages = node.ControlVoltages()
	out, err := node.Forward(ctx, inputs)
	if err != nil {
		return result, report, err
	}
	result.Output = out
	return result, report, nil
}
