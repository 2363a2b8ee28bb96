package supernet

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gnas/internal/genotype"
	"gnas/internal/model"
	"gnas/internal/nn"
)

// OpBuilder constructs the operation a node offers under a given name.
type OpBuilder func(node int, name string) (nn.Operation, error)

// SearchModule realizes one cell template over a fixed arena holding an
// operation for every (node, candidate) pair. Installing genes only selects
// indices into the arena; parameters are never reallocated.
type SearchModule struct {
	cell  genotype.CellTemplate
	arena [][]nn.Operation

	genes     []model.Gene
	looseEnds []int
}

func NewSearchModule(cell genotype.CellTemplate, build OpBuilder) (*SearchModule, error) {
	m := &SearchModule{cell: cell, arena: make([][]nn.Operation, len(cell.Nodes))}
	for i, node := range cell.Nodes {
		m.arena[i] = make([]nn.Operation, len(node.Ops))
		for j, name := range node.Ops {
			op, err := build(i, name)
			if err != nil {
				return nil, errors.WithMessagef(err, "cell %s node %d op %s", cell.Name, i, name)
			}
			m.arena[i][j] = op
		}
	}
	return m, nil
}

func (m *SearchModule) Cell() genotype.CellTemplate {
	return m.cell
}

// SetGenes installs the wiring for this cell.
func (m *SearchModule) SetGenes(genes []model.Gene) error {
	if len(genes) != len(m.cell.Nodes) {
		return errors.Wrapf(genotype.ErrShapeMismatch, "cell %s: %d genes for %d nodes", m.cell.Name, len(genes), len(m.cell.Nodes))
	}
	for i, g := range genes {
		node := m.cell.Nodes[i]
		if len(g.Inputs) != node.Arity {
			return errors.Wrapf(genotype.ErrShapeMismatch, "cell %s node %d: %d inputs for arity %d", m.cell.Name, i, len(g.Inputs), node.Arity)
		}
		if g.Op < 0 || g.Op >= len(node.Ops) {
			return errors.Wrapf(genotype.ErrInvalidGene, "cell %s node %d: op %d", m.cell.Name, i, g.Op)
		}
	}
	graph, err := genotype.NewCellGraph(m.cell, genes)
	if err != nil {
		return err
	}
	installed := make([]model.Gene, len(genes))
	for i, g := range genes {
		installed[i] = g.Clone()
	}
	m.genes = installed
	m.looseEnds = graph.LooseEnds()
	return nil
}

func (m *SearchModule) Installed() bool {
	return m.genes != nil
}

// Forward runs the installed wiring. inputs are the external slots in order.
// Arity-2 nodes add their inputs before applying the chosen operation. The
// output is the mean of the loose ends.
func (m *SearchModule) Forward(inputs ...nn.Tensor) (nn.Tensor, error) {
	if m.genes == nil {
		return nn.Tensor{}, errors.Errorf("cell %s: no genes installed", m.cell.Name)
	}
	if len(inputs) != m.cell.External {
		return nn.Tensor{}, errors.Errorf("cell %s expects %d inputs, got %d", m.cell.Name, m.cell.External, len(inputs))
	}
	states := make([]nn.Tensor, 0, m.cell.External+len(m.genes))
	states = append(states, inputs...)
	for i, g := range m.genes {
		x := states[g.Inputs[0]]
		for _, in := range g.Inputs[1:] {
			sum, err := nn.Add(x, states[in])
			if err != nil {
				return nn.Tensor{}, errors.WithMessagef(err, "cell %s node %d", m.cell.Name, i)
			}
			x = sum
		}
		y, err := m.arena[i][g.Op].Forward(x)
		if err != nil {
			return nn.Tensor{}, errors.WithMessagef(err, "cell %s node %d", m.cell.Name, i)
		}
		states = append(states, y)
	}
	outs := make([]nn.Tensor, len(m.looseEnds))
	for k, i := range m.looseEnds {
		outs[k] = states[m.cell.External+i]
	}
	return nn.Mean(outs)
}

// ActiveParams lists the parameters of the selected operations.
func (m *SearchModule) ActiveParams() []*mat.Dense {
	var out []*mat.Dense
	for i, g := range m.genes {
		out = append(out, m.arena[i][g.Op].Params()...)
	}
	return out
}

// Params lists every parameter in the arena, selected or not.
func (m *SearchModule) Params() []*mat.Dense {
	var out []*mat.Dense
	for _, ops := range m.arena {
		for _, op := range ops {
			out = append(out, op.Params()...)
		}
	}
	return out
}

// fork shares the arena and copies the selection.
func (m *SearchModule) fork() *SearchModule {
	f := &SearchModule{cell: m.cell, arena: m.arena}
	if m.genes != nil {
		f.genes = make([]model.Gene, len(m.genes))
		for i, g := range m.genes {
			f.genes[i] = g.Clone()
		}
		f.looseEnds = append([]int(nil), m.looseEnds...)
	}
	return f
}

func countParams(params []*mat.Dense) int {
	n := 0
	for _, p := range params {
		r, c := p.Dims()
		n += r * c
	}
	return n
}
