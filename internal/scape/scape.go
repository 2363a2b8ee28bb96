package scape

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"gnas/internal/supernet"
)

// Evaluation modes.
const (
	ModeValidation = "validation"
	ModeTest       = "test"
)

var ErrUnknownMode = errors.New("unknown evaluation mode")

// Batch is one unit of training data; its concrete type belongs to the scape.
type Batch interface {
	Size() int
}

// Scape is the training and evaluation collaborator. Loss values are scalar
// and lower is better.
type Scape interface {
	Name() string
	// Kind is the search space kind the scape can drive.
	Kind() string
	// TrainBatches returns the batches of one training epoch.
	TrainBatches(epoch int) []Batch
	// Loss evaluates net, as currently configured, on one batch.
	Loss(ctx context.Context, net supernet.Network, batch Batch) (float64, error)
	// Evaluate returns the mean loss of net over the held-out split of mode.
	Evaluate(ctx context.Context, net supernet.Network, mode string) (float64, error)
}

func normalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeValidation, "valid":
		return ModeValidation, nil
	case ModeTest:
		return ModeTest, nil
	default:
		return "", errors.Wrap(ErrUnknownMode, mode)
	}
}
