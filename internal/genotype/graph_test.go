package genotype

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnas/internal/model"
)

func TestCellGraphChain(t *testing.T) {
	space := smallRNNSpace(t)
	cell := space.Cells()[0]
	// x -> n0 -> n1 -> n2
	genes := []model.Gene{
		{Op: 0, Inputs: []int{0}},
		{Op: 1, Inputs: []int{1}},
		{Op: 0, Inputs: []int{2}},
	}
	g, err := NewCellGraph(cell, genes)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, g.LooseEnds())
	depth, err := g.Depth()
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestCellGraphFanOut(t *testing.T) {
	space := smallRNNSpace(t)
	cell := space.Cells()[0]
	genes := []model.Gene{
		{Op: 0, Inputs: []int{0}},
		{Op: 0, Inputs: []int{0}},
		{Op: 1, Inputs: []int{1}},
	}
	g, err := NewCellGraph(cell, genes)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, g.LooseEnds())
	depth, err := g.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCellGraphShapeMismatch(t *testing.T) {
	space := smallRNNSpace(t)
	_, err := NewCellGraph(space.Cells()[0], []model.Gene{{Op: 0, Inputs: []int{0}}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestComputeSignature(t *testing.T) {
	space, err := NewCNNSpace(CNNOptions{NodeCount: 4})
	require.NoError(t, err)
	ind := space.GenerateIndividual(rand.New(rand.NewSource(5)))

	sig, err := ComputeSignature(space, ind)
	require.NoError(t, err)
	assert.Len(t, sig.Fingerprint, 16)
	assert.Equal(t, 8, sig.Summary.Nodes)
	total := 0
	for _, n := range sig.Summary.OpDistribution {
		total += n
	}
	assert.Equal(t, 8, total)
	assert.Len(t, sig.Summary.Depth, 2)
	for _, loose := range sig.Summary.LooseEnds {
		assert.GreaterOrEqual(t, loose, 1)
	}

	again, err := ComputeSignature(space, ind.Clone())
	require.NoError(t, err)
	assert.Equal(t, sig.Fingerprint, again.Fingerprint)
	assert.Equal(t, Fingerprint(ind), Fingerprint(ind.Clone()))
}
