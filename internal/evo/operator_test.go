package evo

import (
	"math/rand"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnas/internal/genotype"
	"gnas/internal/model"
)

func testRNNSpace(t *testing.T, nodes int) *genotype.SearchSpace {
	t.Helper()
	return must.M1(genotype.NewRNNSpace(genotype.RNNOptions{NodeCount: nodes, NonLinearities: []string{"identity", "tanh"}}))
}

func testCNNSpace(t *testing.T, nodes int) *genotype.SearchSpace {
	t.Helper()
	return must.M1(genotype.NewCNNSpace(genotype.CNNOptions{NodeCount: nodes}))
}

func TestMutateZeroProbabilityIsIdentity(t *testing.T) {
	space := testCNNSpace(t, 4)
	rng := rand.New(rand.NewSource(1))
	ind := space.GenerateIndividual(rng)

	out, err := Mutate(rng, space, ind, 0)
	require.NoError(t, err)
	assert.True(t, out.Equal(ind))

	// the copy is independent of the input.
	before := ind.Genes[0].Inputs[0]
	out.Genes[0].Inputs[0] = before + 1
	assert.Equal(t, before, ind.Genes[0].Inputs[0])
}

func TestMutateNeverProducesInvalidGenes(t *testing.T) {
	space := testCNNSpace(t, 5)
	rng := rand.New(rand.NewSource(7))
	ind := space.GenerateIndividual(rng)

	changed := 0
	for range 100 {
		out, err := Mutate(rng, space, ind, 1)
		require.NoError(t, err)
		require.NoError(t, space.Validate(out))
		if !out.Equal(ind) {
			changed++
		}
		ind = out
	}
	assert.Greater(t, changed, 90)
}

func TestMutateShapeMismatch(t *testing.T) {
	space := testRNNSpace(t, 3)
	_, err := Mutate(rand.New(rand.NewSource(1)), space, model.Individual{}, 0.5)
	assert.True(t, errors.Is(err, genotype.ErrShapeMismatch))
}

func TestCrossoverWithSelfIsIdentity(t *testing.T) {
	space := testCNNSpace(t, 4)
	rng := rand.New(rand.NewSource(3))
	ind := space.GenerateIndividual(rng)
	for _, bias := range []float64{0, 0.3, 0.5, 1} {
		child, err := Crossover(rng, ind, ind, bias)
		require.NoError(t, err)
		assert.True(t, child.Equal(ind))
	}
}

func TestCrossoverTakesGenesFromParents(t *testing.T) {
	space := testCNNSpace(t, 6)
	rng := rand.New(rand.NewSource(11))
	a := space.GenerateIndividual(rng)
	b := space.GenerateIndividual(rng)

	child, err := Crossover(rng, a, b, 0.5)
	require.NoError(t, err)
	require.NoError(t, space.Validate(child))
	for i, g := range child.Genes {
		assert.True(t, g.Equal(a.Genes[i]) || g.Equal(b.Genes[i]), "gene %d from neither parent", i)
	}

	onlyA, err := Crossover(rng, a, b, 1)
	require.NoError(t, err)
	assert.True(t, onlyA.Equal(a))
	onlyB, err := Crossover(rng, a, b, 0)
	require.NoError(t, err)
	assert.True(t, onlyB.Equal(b))
}

func TestCrossoverIsDeterministicGivenSeed(t *testing.T) {
	space := testCNNSpace(t, 6)
	seed := rand.New(rand.NewSource(2))
	a := space.GenerateIndividual(seed)
	b := space.GenerateIndividual(seed)

	x := must.M1(Crossover(rand.New(rand.NewSource(99)), a, b, 0.5))
	y := must.M1(Crossover(rand.New(rand.NewSource(99)), a, b, 0.5))
	assert.True(t, x.Equal(y))
}

func TestCrossoverErrors(t *testing.T) {
	rnn := testRNNSpace(t, 3)
	cnn := testCNNSpace(t, 3)
	rng := rand.New(rand.NewSource(1))
	_, err := Crossover(rng, rnn.GenerateIndividual(rng), cnn.GenerateIndividual(rng), 0.5)
	assert.True(t, errors.Is(err, genotype.ErrShapeMismatch))

	ind := rnn.GenerateIndividual(rng)
	_, err = Crossover(rng, ind, ind, 1.5)
	assert.Error(t, err)
	_, err = Crossover(nil, ind, ind, 0.5)
	assert.Error(t, err)
}

func TestBreedOperators(t *testing.T) {
	space := testRNNSpace(t, 4)
	rng := rand.New(rand.NewSource(5))
	a := space.GenerateIndividual(rng)
	b := space.GenerateIndividual(rng)

	ops := []Operator{
		Breed{Space: space, CrossoverBias: 0.5, MutationProbability: 0.3},
		MutateOnly{Space: space, MutationProbability: 0.3},
	}
	for _, op := range ops {
		child, err := op.Apply(rng, a, b)
		require.NoError(t, err, op.Name())
		assert.NoError(t, space.Validate(child), op.Name())
	}

	same, err := MutateOnly{Space: space}.Apply(rng, a, b)
	require.NoError(t, err)
	assert.True(t, same.Equal(a))
}

func TestResolveOperator(t *testing.T) {
	space := testRNNSpace(t, 4)
	for _, name := range []string{"", OperatorCrossoverMutate, OperatorMutate} {
		factory, err := ResolveOperator(name)
		require.NoError(t, err, name)
		want := name
		if want == "" {
			want = OperatorCrossoverMutate
		}
		assert.Equal(t, want, factory(space, 0.5, 0.2).Name())
	}
	_, err := ResolveOperator("inversion")
	assert.True(t, errors.Is(err, ErrOperatorNotFound))
}

func TestMutationOnlyPopulationBreedsFromOneParent(t *testing.T) {
	space := testRNNSpace(t, 3)
	cfg := DefaultPopulationConfig()
	cfg.Size = 4
	cfg.EliteFraction = 0.25
	cfg.MutationProbability = 0
	cfg.Operator = must.M1(ResolveOperator(OperatorMutate))
	p := must.M1(NewPopulation(space, cfg))

	elite := p.Individual(2)
	for i, loss := range []float64{5, 4, 1, 3} {
		h, err := p.Current()
		require.NoError(t, err)
		require.Equal(t, i, h.Slot)
		require.NoError(t, p.RecordFitness(h, loss))
	}
	_, err := p.UpdatePopulation()
	require.NoError(t, err)
	// with one elite and no mutation every child is a copy of it.
	for i := 0; i < p.Size(); i++ {
		assert.True(t, p.Individual(i).Equal(elite), "slot %d", i)
	}
}
