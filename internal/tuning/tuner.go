// Package tuning searches control voltages without gradients, for backends
// that can only be evaluated.
package tuning

import "context"

// LossFn evaluates a candidate control voltage vector. Lower is better.
type LossFn func(ctx context.Context, control []float64) (float64, error)

type TuneReport struct {
	AttemptsPlanned      int     `json:"attempts_planned"`
	AttemptsExecuted     int     `json:"attempts_executed"`
	CandidateEvaluations int     `json:"candidate_evaluations"`
	AcceptedCandidates   int     `json:"accepted_candidates"`
	RejectedCandidates   int     `json:"rejected_candidates"`
	GoalReached          bool    `json:"goal_reached"`
	BestLoss             float64 `json:"best_loss"`
}

type Tuner interface {
	Name() string
	Tune(ctx context.Context, start []float64, attempts int, loss LossFn) ([]float64, TuneReport, error)
}
