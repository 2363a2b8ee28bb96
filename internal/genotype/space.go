package genotype

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"gnas/internal/model"
)

var (
	ErrShapeMismatch = errors.New("individual shape mismatch")
	ErrInvalidGene   = errors.New("invalid gene")
	ErrInvalidSpace  = errors.New("invalid search space")
)

// Node is one position of a cell template. Legal predecessors are the slots
// [0, Predecessors): external inputs first, then earlier node outputs.
type Node struct {
	Arity        int      `json:"arity"`
	Predecessors int      `json:"predecessors"`
	Ops          []string `json:"ops"`
}

// CellTemplate is a computation template with External inputs and an ordered
// list of nodes. Node i owns slot External+i.
type CellTemplate struct {
	Name     string `json:"name"`
	External int    `json:"external"`
	Nodes    []Node `json:"nodes"`
}

// SearchSpace is immutable after construction. Individuals drawn from it hold
// the genes of every cell, in cell order.
type SearchSpace struct {
	kind    string
	cells   []CellTemplate
	offsets []int
	flat    []Node
}

func NewSearchSpace(kind string, cells ...CellTemplate) (*SearchSpace, error) {
	if len(cells) == 0 {
		return nil, errors.Wrap(ErrInvalidSpace, "at least one cell is required")
	}
	s := &SearchSpace{kind: kind}
	seen := make(map[string]struct{}, len(cells))
	for _, cell := range cells {
		if cell.Name == "" {
			return nil, errors.Wrap(ErrInvalidSpace, "cell name is required")
		}
		if _, dup := seen[cell.Name]; dup {
			return nil, errors.Wrapf(ErrInvalidSpace, "duplicate cell %q", cell.Name)
		}
		seen[cell.Name] = struct{}{}
		if cell.External <= 0 {
			return nil, errors.Wrapf(ErrInvalidSpace, "cell %q needs at least one external input", cell.Name)
		}
		if len(cell.Nodes) == 0 {
			return nil, errors.Wrapf(ErrInvalidSpace, "cell %q has no nodes", cell.Name)
		}
		copied := CellTemplate{Name: cell.Name, External: cell.External, Nodes: make([]Node, len(cell.Nodes))}
		for i, node := range cell.Nodes {
			if node.Arity < 1 || node.Arity > 2 {
				return nil, errors.Wrapf(ErrInvalidSpace, "cell %q node %d: arity %d", cell.Name, i, node.Arity)
			}
			if node.Predecessors < 1 || node.Predecessors > cell.External+i {
				return nil, errors.Wrapf(ErrInvalidSpace, "cell %q node %d: %d predecessors is not topological", cell.Name, i, node.Predecessors)
			}
			if len(node.Ops) == 0 {
				return nil, errors.Wrapf(ErrInvalidSpace, "cell %q node %d: empty operation vocabulary", cell.Name, i)
			}
			copied.Nodes[i] = Node{Arity: node.Arity, Predecessors: node.Predecessors, Ops: append([]string(nil), node.Ops...)}
		}
		s.offsets = append(s.offsets, len(s.flat))
		s.flat = append(s.flat, copied.Nodes...)
		s.cells = append(s.cells, copied)
	}
	return s, nil
}

func (s *SearchSpace) Kind() string {
	return s.kind
}

// NodeCount is the genome length.
func (s *SearchSpace) NodeCount() int {
	return len(s.flat)
}

// Node returns the template of the i-th gene position.
func (s *SearchSpace) Node(i int) Node {
	return s.flat[i]
}

// Cells returns a copy of the cell templates.
func (s *SearchSpace) Cells() []CellTemplate {
	out := make([]CellTemplate, len(s.cells))
	for i, cell := range s.cells {
		nodes := make([]Node, len(cell.Nodes))
		for j, n := range cell.Nodes {
			nodes[j] = Node{Arity: n.Arity, Predecessors: n.Predecessors, Ops: append([]string(nil), n.Ops...)}
		}
		out[i] = CellTemplate{Name: cell.Name, External: cell.External, Nodes: nodes}
	}
	return out
}

func (s *SearchSpace) Cell(name string) (CellTemplate, int, bool) {
	for i, cell := range s.cells {
		if cell.Name == name {
			return s.Cells()[i], i, true
		}
	}
	return CellTemplate{}, -1, false
}

// CellGenes returns the slice of ind that belongs to cell index c.
func (s *SearchSpace) CellGenes(ind model.Individual, c int) ([]model.Gene, error) {
	if ind.Len() != len(s.flat) {
		return nil, errors.Wrapf(ErrShapeMismatch, "got %d genes, space has %d nodes", ind.Len(), len(s.flat))
	}
	if c < 0 || c >= len(s.cells) {
		return nil, errors.Errorf("cell index %d out of range", c)
	}
	start := s.offsets[c]
	return ind.Genes[start : start+len(s.cells[c].Nodes)], nil
}

// SampleGene draws a gene for position i: operation uniform over the node's
// vocabulary, then each predecessor uniform over its legal slots.
func (s *SearchSpace) SampleGene(rng *rand.Rand, i int) model.Gene {
	node := s.flat[i]
	gene := model.Gene{Op: rng.Intn(len(node.Ops)), Inputs: make([]int, node.Arity)}
	for k := range gene.Inputs {
		gene.Inputs[k] = rng.Intn(node.Predecessors)
	}
	return gene
}

// GenerateIndividual draws a random valid genome from rng.
func (s *SearchSpace) GenerateIndividual(rng *rand.Rand) model.Individual {
	genes := make([]model.Gene, len(s.flat))
	for i := range s.flat {
		genes[i] = s.SampleGene(rng, i)
	}
	return model.Individual{Genes: genes}
}

func (s *SearchSpace) ValidateGene(i int, g model.Gene) error {
	node := s.flat[i]
	if g.Op < 0 || g.Op >= len(node.Ops) {
		return errors.Wrapf(ErrInvalidGene, "position %d: op %d outside [0,%d)", i, g.Op, len(node.Ops))
	}
	if len(g.Inputs) != node.Arity {
		return errors.Wrapf(ErrShapeMismatch, "position %d: %d inputs for arity %d", i, len(g.Inputs), node.Arity)
	}
	for _, in := range g.Inputs {
		if in < 0 || in >= node.Predecessors {
			return errors.Wrapf(ErrInvalidGene, "position %d: predecessor %d outside [0,%d)", i, in, node.Predecessors)
		}
	}
	return nil
}

// Validate checks shape first, then every gene.
func (s *SearchSpace) Validate(ind model.Individual) error {
	if ind.Len() != len(s.flat) {
		return errors.Wrapf(ErrShapeMismatch, "got %d genes, space has %d nodes", ind.Len(), len(s.flat))
	}
	for i, g := range ind.Genes {
		if err := s.ValidateGene(i, g); err != nil {
			return err
		}
	}
	return nil
}

// OpName resolves the operation name chosen by gene i.
func (s *SearchSpace) OpName(i int, g model.Gene) string {
	return s.flat[i].Ops[g.Op]
}

// Signature is a canonical description of the template shape. Populations and
// snapshots are only comparable between spaces with equal signatures.
func (s *SearchSpace) Signature() string {
	parts := make([]string, 0, len(s.cells)+1)
	parts = append(parts, s.kind)
	for _, cell := range s.cells {
		nodes := make([]string, len(cell.Nodes))
		for i, n := range cell.Nodes {
			nodes[i] = fmt.Sprintf("%d/%d/%s", n.Arity, n.Predecessors, strings.Join(n.Ops, ","))
		}
		parts = append(parts, fmt.Sprintf("%s(%d)[%s]", cell.Name, cell.External, strings.Join(nodes, ";")))
	}
	return strings.Join(parts, "|")
}

// Shape is the flattened view of a space that genome consumers check against.
type Shape struct {
	NodeCount    int
	Arity        []int
	Predecessors []int
	Ops          [][]string
}

func (s *SearchSpace) Shape() Shape {
	shape := Shape{
		NodeCount:    len(s.flat),
		Arity:        make([]int, len(s.flat)),
		Predecessors: make([]int, len(s.flat)),
		Ops:          make([][]string, len(s.flat)),
	}
	for i, n := range s.flat {
		shape.Arity[i] = n.Arity
		shape.Predecessors[i] = n.Predecessors
		shape.Ops[i] = append([]string(nil), n.Ops...)
	}
	return shape
}
