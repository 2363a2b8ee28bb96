package supernet

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gnas/internal/genotype"
	"gnas/internal/model"
	"gnas/internal/nn"
)

// Stages is the number of resolution stages; every stage after the first
// halves the resolution and doubles the channels.
const Stages = 3

// BlockBinding names which cell of the search space a block realizes. Blocks
// bound to the same cell consume the same genome slice.
type BlockBinding struct {
	Block string
	Cell  string
}

type CNNConfig struct {
	NChannels  int
	NBlocks    int
	InChannels int
	Classes    int
	Dropout    float64
	Seed       int64
	// Blocks overrides DefaultBlocks. It must list Stages*(NBlocks+1) blocks
	// in forward order, each stage opening with a reduction-style block.
	Blocks []BlockBinding
}

// DefaultBlocks binds the first block of every stage to the reduction cell and
// the remaining NBlocks to the normal cell.
func DefaultBlocks(nBlocks int) []BlockBinding {
	var out []BlockBinding
	for s := 0; s < Stages; s++ {
		out = append(out, BlockBinding{Block: fmt.Sprintf("stage%d/reduce", s), Cell: genotype.CellReduction})
		for b := 0; b < nBlocks; b++ {
			out = append(out, BlockBinding{Block: fmt.Sprintf("stage%d/normal%d", s, b), Cell: genotype.CellNormal})
		}
	}
	return out
}

type block struct {
	binding   BlockBinding
	cellIndex int
	// prepX and prepPrev adapt the two inputs to the block's channels and
	// resolution; nil means pass through.
	prepX    *nn.Conv2D
	prepPrev *nn.Conv2D
	module   *SearchModule
}

// CNNNetwork is stem -> Stages stages of cell blocks -> global average pool
// -> linear head.
type CNNNetwork struct {
	base
	cfg CNNConfig

	stem   *nn.Conv2D
	blocks []*block
	head   *nn.Linear
}

func NewCNNNetwork(space *genotype.SearchSpace, cfg CNNConfig) (*CNNNetwork, error) {
	if space == nil || space.Kind() != genotype.KindCNN {
		return nil, errors.New("cnn network needs a cnn search space")
	}
	if cfg.NChannels <= 0 || cfg.NBlocks < 0 || cfg.InChannels <= 0 || cfg.Classes <= 0 {
		return nil, errors.Errorf("invalid cnn config %+v", cfg)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.Errorf("dropout must be in [0,1), got %g", cfg.Dropout)
	}
	if len(cfg.Blocks) == 0 {
		cfg.Blocks = DefaultBlocks(cfg.NBlocks)
	}
	perStage := cfg.NBlocks + 1
	if len(cfg.Blocks) != Stages*perStage {
		return nil, errors.Errorf("%d block bindings, want %d", len(cfg.Blocks), Stages*perStage)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	net := &CNNNetwork{
		base: base{space: space, dropout: cfg.Dropout, rng: rand.New(rand.NewSource(cfg.Seed + 1))},
		cfg:  cfg,
	}
	var err error
	net.stem, err = nn.NewConv2D(nn.ConvSpec{In: cfg.InChannels, Out: cfg.NChannels, KH: 3, KW: 3, Norm: true, Label: "stem"}, rng)
	if err != nil {
		return nil, err
	}

	// Track (channels, scale) of the two most recent outputs to size the
	// preprocessing of each block.
	type geom struct{ channels, scale int }
	x, prev := geom{cfg.NChannels, 0}, geom{cfg.NChannels, 0}
	seen := make(map[string]struct{}, len(cfg.Blocks))
	for i, binding := range cfg.Blocks {
		if _, dup := seen[binding.Block]; dup {
			return nil, errors.Errorf("duplicate block %q", binding.Block)
		}
		seen[binding.Block] = struct{}{}
		cell, cellIndex, ok := space.Cell(binding.Cell)
		if !ok {
			return nil, errors.Errorf("block %s: search space has no %q cell", binding.Block, binding.Cell)
		}

		stage := i / perStage
		target := geom{cfg.NChannels << stage, stage}
		b := &block{binding: binding, cellIndex: cellIndex}
		if b.prepX, err = preprocess(x.channels, target.channels, target.scale-x.scale, binding.Block+"/x", rng); err != nil {
			return nil, err
		}
		if b.prepPrev, err = preprocess(prev.channels, target.channels, target.scale-prev.scale, binding.Block+"/prev", rng); err != nil {
			return nil, err
		}
		channels := target.channels
		b.module, err = NewSearchModule(cell, func(_ int, name string) (nn.Operation, error) {
			return nn.Build(name, channels, channels, rng)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "block %s", binding.Block)
		}
		net.blocks = append(net.blocks, b)
		prev, x = x, target
	}

	if net.head, err = nn.NewLinear(x.channels, cfg.Classes, rng); err != nil {
		return nil, err
	}
	return net, nil
}

// preprocess returns a 1x1 convolution when channels or resolution change.
func preprocess(in, out, scaleDelta int, label string, rng *rand.Rand) (*nn.Conv2D, error) {
	if in == out && scaleDelta == 0 {
		return nil, nil
	}
	if scaleDelta < 0 || scaleDelta > 2 {
		return nil, errors.Errorf("%s: unsupported resolution change %d", label, scaleDelta)
	}
	return nn.NewConv2D(nn.ConvSpec{
		In:      in,
		Out:     out,
		KH:      1,
		KW:      1,
		Stride:  1 << scaleDelta,
		PreReLU: true,
		Norm:    true,
		Label:   label,
	}, rng)
}

func (n *CNNNetwork) Config() CNNConfig { return n.cfg }

// Blocks returns the block bindings in forward order.
func (n *CNNNetwork) Blocks() []BlockBinding {
	out := make([]BlockBinding, len(n.blocks))
	for i, b := range n.blocks {
		out[i] = b.binding
	}
	return out
}

// SetIndividual fans the genome out: each block receives the slice of the
// cell it is bound to.
func (n *CNNNetwork) SetIndividual(ind model.Individual) error {
	if err := n.checkIndividual(ind); err != nil {
		return err
	}
	for _, b := range n.blocks {
		genes, err := n.space.CellGenes(ind, b.cellIndex)
		if err != nil {
			return err
		}
		if err := b.module.SetGenes(genes); err != nil {
			return errors.WithMessagef(err, "block %s", b.binding.Block)
		}
	}
	n.install(ind)
	return nil
}

func (n *CNNNetwork) sharedParams() []*mat.Dense {
	out := n.stem.Params()
	for _, b := range n.blocks {
		if b.prepX != nil {
			out = append(out, b.prepX.Params()...)
		}
		if b.prepPrev != nil {
			out = append(out, b.prepPrev.Params()...)
		}
	}
	return append(out, n.head.Params()...)
}

func (n *CNNNetwork) ActiveParams() []*mat.Dense {
	out := n.sharedParams()
	for _, b := range n.blocks {
		out = append(out, b.module.ActiveParams()...)
	}
	return out
}

func (n *CNNNetwork) ParamCount() int {
	total := countParams(n.sharedParams())
	for _, b := range n.blocks {
		total += countParams(b.module.Params())
	}
	return total
}

func (n *CNNNetwork) Fork() Network {
	f := *n
	f.base = n.forkBase(n.rng.Int63())
	f.blocks = make([]*block, len(n.blocks))
	for i, b := range n.blocks {
		fb := *b
		fb.module = b.module.fork()
		f.blocks[i] = &fb
	}
	return &f
}

// Forward classifies one image (InChannels x H*W) and returns class logits
// as a Classes x 1 tensor.
func (n *CNNNetwork) Forward(image nn.Tensor) (nn.Tensor, error) {
	if !n.installed {
		return nn.Tensor{}, errors.New("no individual installed")
	}
	stem, err := n.stem.Forward(image)
	if err != nil {
		return nn.Tensor{}, errors.WithMessage(err, "stem")
	}
	x, prev := stem, stem
	for _, b := range n.blocks {
		in0, err := apply(b.prepX, x)
		if err != nil {
			return nn.Tensor{}, errors.WithMessagef(err, "block %s", b.binding.Block)
		}
		in1, err := apply(b.prepPrev, prev)
		if err != nil {
			return nn.Tensor{}, errors.WithMessagef(err, "block %s", b.binding.Block)
		}
		out, err := b.module.Forward(in0, in1)
		if err != nil {
			return nn.Tensor{}, errors.WithMessagef(err, "block %s", b.binding.Block)
		}
		prev, x = x, out
	}
	pooled := n.maybeDropout(nn.GlobalAvgPool(x))
	return n.head.Forward(pooled)
}

// ForwardBatch classifies every image and stacks the logits as Classes x batch.
func (n *CNNNetwork) ForwardBatch(images []nn.Tensor) (*mat.Dense, error) {
	if len(images) == 0 {
		return nil, errors.New("empty batch")
	}
	logits := mat.NewDense(n.cfg.Classes, len(images), nil)
	for j, img := range images {
		out, err := n.Forward(img)
		if err != nil {
			return nil, errors.WithMessagef(err, "sample %d", j)
		}
		logits.SetCol(j, out.Data.RawMatrix().Data)
	}
	return logits, nil
}

func apply(conv *nn.Conv2D, t nn.Tensor) (nn.Tensor, error) {
	if conv == nil {
		return t, nil
	}
	return conv.Forward(t)
}
