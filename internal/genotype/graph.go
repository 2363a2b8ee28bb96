package genotype

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"gnas/internal/model"
)

// CellGraph is the active wiring of one cell. Node ids are slot indices:
// [0, External) are the cell inputs and External+i is node i.
type CellGraph struct {
	*simple.DirectedGraph
	External int
	Nodes    int
}

// NewCellGraph builds the wiring selected by genes for cell.
func NewCellGraph(cell CellTemplate, genes []model.Gene) (*CellGraph, error) {
	if len(genes) != len(cell.Nodes) {
		return nil, errors.Wrapf(ErrShapeMismatch, "cell %s: %d genes for %d nodes", cell.Name, len(genes), len(cell.Nodes))
	}
	g := &CellGraph{DirectedGraph: simple.NewDirectedGraph(), External: cell.External, Nodes: len(genes)}
	for slot := 0; slot < cell.External+len(genes); slot++ {
		g.AddNode(simple.Node(slot))
	}
	for i, gene := range genes {
		to := cell.External + i
		for _, in := range gene.Inputs {
			if in < 0 || in >= to {
				return nil, errors.Wrapf(ErrInvalidGene, "cell %s node %d: predecessor %d", cell.Name, i, in)
			}
			g.SetEdge(g.NewEdge(simple.Node(in), simple.Node(to)))
		}
	}
	return g, nil
}

// LooseEnds lists node indices (not slots) whose output no other node reads.
// The last node is always a loose end.
func (g *CellGraph) LooseEnds() []int {
	var out []int
	for i := 0; i < g.Nodes; i++ {
		if g.From(int64(g.External+i)).Len() == 0 {
			out = append(out, i)
		}
	}
	return out
}

// Depth is the longest path, in edges, from any cell input to any node.
func (g *CellGraph) Depth() (int, error) {
	order, err := topo.Sort(g.DirectedGraph)
	if err != nil {
		return 0, errors.Wrap(err, "cell wiring is not acyclic")
	}
	depth := make(map[int64]int, len(order))
	best := 0
	for _, n := range order {
		d := 0
		preds := g.To(n.ID())
		for preds.Next() {
			if pd := depth[preds.Node().ID()] + 1; pd > d {
				d = pd
			}
		}
		depth[n.ID()] = d
		if d > best {
			best = d
		}
	}
	return best, nil
}
