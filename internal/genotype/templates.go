package genotype

import (
	"github.com/pkg/errors"

	"gnas/internal/nn"
)

const (
	KindRNN = "rnn"
	KindCNN = "cnn"

	CellRNN       = "rnn"
	CellReduction = "reduction"
	CellNormal    = "normal"
)

var (
	DefaultRNNNonLinearities = []string{"tanh", "relu", "identity", "sigmoid"}
	DefaultCNNOps            = []string{"conv3x3", "dw3x3", "dw3x1", "dw1x3", "conv5x5", "dw5x5", "identity", "max3x3", "avg3x3"}
)

type RNNOptions struct {
	NodeCount      int
	NonLinearities []string
}

// NewRNNSpace builds a single recurrent cell: a chain of NodeCount nodes of
// arity 1. The only external input is the mixed input/hidden state; node i
// may read it or any earlier node. Each node chooses a non-linearity.
func NewRNNSpace(opts RNNOptions) (*SearchSpace, error) {
	if opts.NodeCount <= 0 {
		return nil, errors.Wrapf(ErrInvalidSpace, "rnn node count must be > 0, got %d", opts.NodeCount)
	}
	vocab := opts.NonLinearities
	if len(vocab) == 0 {
		vocab = DefaultRNNNonLinearities
	}
	for _, name := range vocab {
		if !nn.HasNonLinearity(name) {
			return nil, errors.Wrapf(nn.ErrUnknownOperation, "non-linearity %s", name)
		}
	}

	const external = 1
	nodes := make([]Node, opts.NodeCount)
	for i := range nodes {
		nodes[i] = Node{Arity: 1, Predecessors: external + i, Ops: vocab}
	}
	return NewSearchSpace(KindRNN, CellTemplate{Name: CellRNN, External: external, Nodes: nodes})
}

type CNNOptions struct {
	NodeCount int
	Ops       []string
}

// NewCNNSpace builds the reduction and normal cell templates. Both take two
// external feature maps (x, x_prev) and every node combines two inputs.
func NewCNNSpace(opts CNNOptions) (*SearchSpace, error) {
	if opts.NodeCount <= 0 {
		return nil, errors.Wrapf(ErrInvalidSpace, "cnn node count must be > 0, got %d", opts.NodeCount)
	}
	vocab := opts.Ops
	if len(vocab) == 0 {
		vocab = DefaultCNNOps
	}
	for _, name := range vocab {
		if !nn.HasOperation(name) {
			return nil, errors.Wrapf(nn.ErrUnknownOperation, "%s", name)
		}
	}

	const external = 2
	cell := func(name string) CellTemplate {
		nodes := make([]Node, opts.NodeCount)
		for i := range nodes {
			nodes[i] = Node{Arity: 2, Predecessors: external + i, Ops: vocab}
		}
		return CellTemplate{Name: name, External: external, Nodes: nodes}
	}
	return NewSearchSpace(KindCNN, cell(CellReduction), cell(CellNormal))
}
