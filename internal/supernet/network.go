package supernet

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gnas/internal/genotype"
	"gnas/internal/model"
	"gnas/internal/nn"
)

// Network is a weight-shared model reconfigured per individual.
type Network interface {
	Space() *genotype.SearchSpace
	// SetIndividual installs ind in every embedded search module.
	SetIndividual(ind model.Individual) error
	Individual() (model.Individual, bool)
	// ActiveParams are the parameters on the installed path plus the
	// parameters outside the search cells.
	ActiveParams() []*mat.Dense
	SetTraining(training bool)
	Training() bool
	// Fork returns a view with its own selection and mode over the same
	// parameters. Forks are for concurrent evaluation; parameter updates
	// must not run while forks are in use.
	Fork() Network
	ParamCount() int
}

// base holds the bookkeeping shared by the concrete networks.
type base struct {
	space      *genotype.SearchSpace
	individual model.Individual
	installed  bool
	training   bool
	dropout    float64
	rng        *rand.Rand
}

func (b *base) Space() *genotype.SearchSpace { return b.space }

func (b *base) Individual() (model.Individual, bool) {
	if !b.installed {
		return model.Individual{}, false
	}
	return b.individual.Clone(), true
}

func (b *base) SetTraining(training bool) { b.training = training }

func (b *base) Training() bool { return b.training }

func (b *base) checkIndividual(ind model.Individual) error {
	if ind.Len() != b.space.NodeCount() {
		return errors.Wrapf(genotype.ErrShapeMismatch, "individual has %d genes, network expects %d", ind.Len(), b.space.NodeCount())
	}
	return b.space.Validate(ind)
}

func (b *base) install(ind model.Individual) {
	b.individual = ind.Clone()
	b.installed = true
}

func (b *base) maybeDropout(t nn.Tensor) nn.Tensor {
	if !b.training {
		return t
	}
	return nn.Dropout(t, b.dropout, b.rng)
}

func (b *base) forkBase(seed int64) base {
	f := base{
		space:    b.space,
		training: b.training,
		dropout:  b.dropout,
		rng:      rand.New(rand.NewSource(seed)),
	}
	if b.installed {
		f.install(b.individual)
	}
	return f
}

// Highway is the recurrent node block: h = c*nl(Wh x) + (1-c)*x with
// c = sigmoid(Wc x). Every (node, non-linearity) pair owns one.
type Highway struct {
	nonLinear nn.Operation
	H         *nn.Linear
	C         *nn.Linear
}

func NewHighway(width int, nonLinearity string, rng *rand.Rand) (*Highway, error) {
	nl, err := nn.BuildNonLinearity(nonLinearity)
	if err != nil {
		return nil, err
	}
	h, err := nn.NewLinear(width, width, rng)
	if err != nil {
		return nil, err
	}
	c, err := nn.NewLinear(width, width, rng)
	if err != nil {
		return nil, err
	}
	return &Highway{nonLinear: nl, H: h, C: c}, nil
}

func (h *Highway) Name() string { return "highway_" + h.nonLinear.Name() }

func (h *Highway) Params() []*mat.Dense {
	return append(h.H.Params(), h.C.Params()...)
}

func (h *Highway) Forward(x nn.Tensor) (nn.Tensor, error) {
	pre, err := h.H.Forward(x)
	if err != nil {
		return nn.Tensor{}, err
	}
	act, err := h.nonLinear.Forward(pre)
	if err != nil {
		return nn.Tensor{}, err
	}
	gate, err := h.C.Forward(x)
	if err != nil {
		return nn.Tensor{}, err
	}
	out := nn.NewTensor(x.Channels(), x.Height, x.Width)
	out.Data.Apply(func(i, j int, _ float64) float64 {
		c := nn.Sigmoid(gate.Data.At(i, j))
		return c*act.Data.At(i, j) + (1-c)*x.Data.At(i, j)
	}, out.Data)
	return out, nil
}

// SoftmaxCrossEntropy returns the mean negative log-likelihood of targets
// under column-wise softmax of logits (classes x batch).
func SoftmaxCrossEntropy(logits *mat.Dense, targets []int) (float64, error) {
	classes, batch := logits.Dims()
	if len(targets) != batch {
		return 0, errors.Wrapf(nn.ErrTensorShape, "%d targets for batch of %d", len(targets), batch)
	}
	total := 0.0
	for j, target := range targets {
		if target < 0 || target >= classes {
			return 0, errors.Errorf("target %d outside %d classes", target, classes)
		}
		maxLogit := math.Inf(-1)
		for i := 0; i < classes; i++ {
			maxLogit = math.Max(maxLogit, logits.At(i, j))
		}
		sum := 0.0
		for i := 0; i < classes; i++ {
			sum += math.Exp(logits.At(i, j) - maxLogit)
		}
		total += -(logits.At(target, j) - maxLogit - math.Log(sum))
	}
	return total / float64(batch), nil
}
