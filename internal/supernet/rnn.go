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

type RNNConfig struct {
	Emsize int
	Nhid   int
	// Tokens is the vocabulary size of inputs and outputs.
	Tokens  int
	Dropout float64
	Seed    int64
}

// RNNNetwork embeds tokens, mixes each step's embedding with the previous
// hidden state into the cell input, runs the searched cell and decodes the
// new hidden state into token logits.
type RNNNetwork struct {
	base
	cfg RNNConfig

	embedding *mat.Dense // emsize x tokens
	mixX      *nn.Linear
	mixH      *nn.Linear
	decoder   *nn.Linear
	cell      *SearchModule
}

// NewRNNNetwork allocates the whole arena for space, which must be an RNN
// space with a single cell.
func NewRNNNetwork(space *genotype.SearchSpace, cfg RNNConfig) (*RNNNetwork, error) {
	if space == nil || space.Kind() != genotype.KindRNN {
		return nil, errors.New("rnn network needs an rnn search space")
	}
	if cfg.Emsize <= 0 || cfg.Nhid <= 0 || cfg.Tokens <= 0 {
		return nil, errors.Errorf("emsize, nhid and tokens must be > 0, got %d/%d/%d", cfg.Emsize, cfg.Nhid, cfg.Tokens)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.Errorf("dropout must be in [0,1), got %g", cfg.Dropout)
	}
	cell, _, ok := space.Cell(genotype.CellRNN)
	if !ok {
		return nil, errors.Errorf("search space has no %q cell", genotype.CellRNN)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	net := &RNNNetwork{
		base: base{space: space, dropout: cfg.Dropout, rng: rand.New(rand.NewSource(cfg.Seed + 1))},
		cfg:  cfg,
	}

	net.embedding = mat.NewDense(cfg.Emsize, cfg.Tokens, nil)
	net.embedding.Apply(func(_, _ int, _ float64) float64 { return rng.Float64()*0.2 - 0.1 }, net.embedding)
	var err error
	if net.mixX, err = nn.NewLinear(cfg.Emsize, cfg.Nhid, rng); err != nil {
		return nil, err
	}
	if net.mixH, err = nn.NewLinear(cfg.Nhid, cfg.Nhid, rng); err != nil {
		return nil, err
	}
	if net.decoder, err = nn.NewLinear(cfg.Nhid, cfg.Tokens, rng); err != nil {
		return nil, err
	}
	net.cell, err = NewSearchModule(cell, func(_ int, name string) (nn.Operation, error) {
		return NewHighway(cfg.Nhid, name, rng)
	})
	if err != nil {
		return nil, err
	}
	return net, nil
}

func (n *RNNNetwork) Config() RNNConfig { return n.cfg }

func (n *RNNNetwork) SetIndividual(ind model.Individual) error {
	if err := n.checkIndividual(ind); err != nil {
		return err
	}
	genes, err := n.space.CellGenes(ind, 0)
	if err != nil {
		return err
	}
	if err := n.cell.SetGenes(genes); err != nil {
		return err
	}
	n.install(ind)
	return nil
}

func (n *RNNNetwork) sharedParams() []*mat.Dense {
	out := []*mat.Dense{n.embedding}
	out = append(out, n.mixX.Params()...)
	out = append(out, n.mixH.Params()...)
	return append(out, n.decoder.Params()...)
}

func (n *RNNNetwork) ActiveParams() []*mat.Dense {
	return append(n.sharedParams(), n.cell.ActiveParams()...)
}

func (n *RNNNetwork) ParamCount() int {
	return countParams(n.sharedParams()) + countParams(n.cell.Params())
}

func (n *RNNNetwork) Fork() Network {
	f := *n
	f.base = n.forkBase(n.rng.Int63())
	f.cell = n.cell.fork()
	return &f
}

// ForwardSequence runs tokens[t][b] (step t, sample b) from a zero hidden
// state and returns the logits (tokens x batch) of every step.
func (n *RNNNetwork) ForwardSequence(tokens [][]int) ([]nn.Tensor, error) {
	if !n.installed {
		return nil, errors.New("no individual installed")
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	batch := len(tokens[0])
	hidden := nn.VectorBatch(mat.NewDense(n.cfg.Nhid, batch, nil))
	out := make([]nn.Tensor, len(tokens))
	for t, step := range tokens {
		if len(step) != batch {
			return nil, errors.Wrapf(nn.ErrTensorShape, "step %d has %d samples, want %d", t, len(step), batch)
		}
		x, err := n.embed(step)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", t)
		}
		x = n.maybeDropout(x)

		mixed, err := n.mix(x, hidden)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", t)
		}
		hidden, err = n.cell.Forward(mixed)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", t)
		}
		logits, err := n.decoder.Forward(n.maybeDropout(hidden))
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", t)
		}
		out[t] = logits
	}
	return out, nil
}

func (n *RNNNetwork) embed(ids []int) (nn.Tensor, error) {
	x := mat.NewDense(n.cfg.Emsize, len(ids), nil)
	for b, id := range ids {
		if id < 0 || id >= n.cfg.Tokens {
			return nn.Tensor{}, errors.Errorf("token %d outside vocabulary of %d", id, n.cfg.Tokens)
		}
		for e := 0; e < n.cfg.Emsize; e++ {
			x.Set(e, b, n.embedding.At(e, id))
		}
	}
	return nn.VectorBatch(x), nil
}

// mix is the cell's external input: tanh(Wx x + Wh h).
func (n *RNNNetwork) mix(x, hidden nn.Tensor) (nn.Tensor, error) {
	a, err := n.mixX.Forward(x)
	if err != nil {
		return nn.Tensor{}, err
	}
	b, err := n.mixH.Forward(hidden)
	if err != nil {
		return nn.Tensor{}, err
	}
	sum, err := nn.Add(a, b)
	if err != nil {
		return nn.Tensor{}, err
	}
	sum.Data.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, sum.Data)
	return sum, nil
}
