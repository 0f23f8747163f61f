package tuning

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
)

// Exoself is a stochastic hill climber over control voltages. Each attempt
// perturbs one or more base vectors for Steps random single-electrode moves
// and keeps the best candidate if it improves by more than MinImprovement.
type Exoself struct {
	Rand              *rand.Rand
	Steps             int
	StepSize          float64
	PerturbationRange float64
	AnnealingFactor   float64
	MinImprovement    float64
	// GoalLoss stops the search once reached; zero disables it.
	GoalLoss           float64
	CandidateSelection string
	// Low and High clamp candidates per electrode when set.
	Low  []float64
	High []float64
	// Observe is called after every attempt with the best vector so far.
	Observe func(attempt int, best []float64, bestLoss float64)
	mu      sync.Mutex
}

const (
	CandidateSelectBestSoFar = "best_so_far"
	CandidateSelectOriginal  = "original"
	CandidateSelectDynamicA  = "dynamic"
	CandidateSelectDynamic   = "dynamic_random"
	CandidateSelectAll       = "all"
	CandidateSelectAllRandom = "all_random"
	CandidateSelectRecent    = "recent"
	CandidateSelectRecentRnd = "recent_random"
)

func (e *Exoself) Name() string {
	return "exoself_hillclimb"
}

func (e *Exoself) Tune(ctx context.Context, start []float64, attempts int, loss LossFn) ([]float64, TuneReport, error) {
	report := TuneReport{AttemptsPlanned: attempts}
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}
	if e == nil || e.Rand == nil {
		return nil, report, errors.New("random source is required")
	}
	if e.Steps <= 0 {
		return nil, report, errors.New("steps must be > 0")
	}
	if e.StepSize <= 0 {
		return nil, report, errors.New("step size must be > 0")
	}
	if e.PerturbationRange < 0 {
		return nil, report, errors.New("perturbation range must be >= 0")
	}
	if e.AnnealingFactor < 0 {
		return nil, report, errors.New("annealing factor must be >= 0")
	}
	if e.MinImprovement < 0 {
		return nil, report, errors.New("min improvement must be >= 0")
	}
	if loss == nil {
		return nil, report, errors.New("loss function is required")
	}
	if (e.Low != nil && len(e.Low) != len(start)) || (e.High != nil && len(e.High) != len(start)) {
		return nil, report, errors.New("clamp bounds must match the control vector length")
	}
	perturbationRange := e.PerturbationRange
	if perturbationRange == 0 {
		perturbationRange = 1.0
	}
	annealingFactor := e.AnnealingFactor
	if annealingFactor == 0 {
		annealingFactor = 1.0
	}

	original := clone(start)
	best := clone(start)
	bestLoss, err := loss(ctx, best)
	if err != nil {
		return nil, report, err
	}
	report.CandidateEvaluations++
	report.BestLoss = bestLoss
	if e.goalReached(bestLoss) || len(start) == 0 || attempts <= 0 {
		report.GoalReached = e.goalReached(bestLoss)
		return best, report, nil
	}
	recent := clone(best)

	for a := 0; a < attempts; a++ {
		bases, err := e.candidateBases(best, original, recent)
		if err != nil {
			return nil, report, err
		}
		localBest := clone(best)
		localBestLoss := bestLoss
		for _, base := range bases {
			candidate, err := e.perturbCandidate(ctx, base, perturbationRange, annealingFactor)
			if err != nil {
				return nil, report, err
			}
			candidateLoss, err := loss(ctx, candidate)
			if err != nil {
				return nil, report, err
			}
			report.CandidateEvaluations++
			if candidateLoss < localBestLoss-e.MinImprovement {
				localBest = candidate
				localBestLoss = candidateLoss
				report.AcceptedCandidates++
			} else {
				report.RejectedCandidates++
			}
		}
		recent = clone(localBest)
		if localBestLoss < bestLoss-e.MinImprovement {
			best = localBest
			bestLoss = localBestLoss
		}
		report.AttemptsExecuted++
		report.BestLoss = bestLoss
		if e.Observe != nil {
			e.Observe(a+1, clone(best), bestLoss)
		}
		if e.goalReached(bestLoss) {
			report.GoalReached = true
			break
		}
	}

	return best, report, nil
}

func (e *Exoself) goalReached(loss float64) bool {
	return e.GoalLoss > 0 && loss <= e.GoalLoss
}

func (e *Exoself) randIntn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Rand.Intn(n)
}

func (e *Exoself) randFloat64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Rand.Float64()
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}

func NormalizeCandidateSelectionName(name string) string {
	if name == "" {
		return CandidateSelectBestSoFar
	}
	return name
}

func (e *Exoself) candidateBases(best, original, recent []float64) ([][]float64, error) {
	mode := NormalizeCandidateSelectionName(e.CandidateSelection)
	if isRandomSelection(mode) {
		pool, err := candidateBasesForMode(nonRandomModeFor(mode), best, original, recent)
		if err != nil {
			return nil, err
		}
		return e.randomSubset(pool), nil
	}
	return candidateBasesForMode(mode, best, original, recent)
}

func candidateBasesForMode(mode string, best, original, recent []float64) ([][]float64, error) {
	switch mode {
	case CandidateSelectBestSoFar:
		return [][]float64{clone(best)}, nil
	case CandidateSelectOriginal:
		return [][]float64{clone(original)}, nil
	case CandidateSelectDynamicA:
		return [][]float64{clone(best), clone(original)}, nil
	case CandidateSelectRecent:
		return [][]float64{clone(recent)}, nil
	case CandidateSelectAll:
		return [][]float64{clone(best), clone(original), clone(recent)}, nil
	default:
		return nil, errors.New("unsupported candidate selection")
	}
}

func isRandomSelection(mode string) bool {
	switch mode {
	case CandidateSelectDynamic, CandidateSelectAllRandom, CandidateSelectRecentRnd:
		return true
	default:
		return false
	}
}

func nonRandomModeFor(mode string) string {
	switch mode {
	case CandidateSelectDynamic:
		return CandidateSelectDynamicA
	case CandidateSelectAllRandom:
		return CandidateSelectAll
	case CandidateSelectRecentRnd:
		return CandidateSelectRecent
	default:
		return mode
	}
}

func (e *Exoself) randomSubset(pool [][]float64) [][]float64 {
	if len(pool) <= 1 {
		return pool
	}
	p := 1 / math.Sqrt(float64(len(pool)))
	chosen := make([][]float64, 0, len(pool))
	for i := range pool {
		if e.randFloat64() < p {
			chosen = append(chosen, pool[i])
		}
	}
	if len(chosen) > 0 {
		return chosen
	}
	return [][]float64{pool[e.randIntn(len(pool))]}
}

func (e *Exoself) perturbCandidate(ctx context.Context, base []float64, perturbationRange, annealingFactor float64) ([]float64, error) {
	candidate := clone(base)
	for s := 0; s < e.Steps; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := e.randIntn(len(candidate))
		spread := e.StepSize * perturbationRange * math.Pow(annealingFactor, float64(s))
		candidate[idx] += (e.randFloat64()*2 - 1) * spread
		if e.Low != nil && candidate[idx] < e.Low[idx] {
			candidate[idx] = e.Low[idx]
		}
		if e.High != nil && candidate[idx] > e.High[idx] {
			candidate[idx] = e.High[idx]
		}
	}
	return candidate, nil
}
