package tuning

import (
	"context"

	"gnas/internal/supernet"
)

// LossFn evaluates the network as currently configured. Lower is better.
type LossFn func(ctx context.Context) (float64, error)

// StepReport counts what one optimizer step did.
type StepReport struct {
	AttemptsPlanned      int     `json:"attempts_planned"`
	AttemptsExecuted     int     `json:"attempts_executed"`
	CandidateEvaluations int     `json:"candidate_evaluations"`
	AcceptedCandidates   int     `json:"accepted_candidates"`
	RejectedCandidates   int     `json:"rejected_candidates"`
	InitialLoss          float64 `json:"initial_loss"`
	FinalLoss            float64 `json:"final_loss"`
}

// Optimizer updates the active parameters of net in place so that loss
// decreases, and returns the loss after the update.
type Optimizer interface {
	Name() string
	Step(ctx context.Context, net supernet.Network, loss LossFn) (float64, error)
}

type ReportingOptimizer interface {
	Optimizer
	StepWithReport(ctx context.Context, net supernet.Network, loss LossFn) (StepReport, error)
}

// EpochAware optimizers are told the training progress before each epoch so
// attempt policies can schedule their effort.
type EpochAware interface {
	SetEpoch(epoch, totalEpochs int)
}
