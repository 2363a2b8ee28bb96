package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLinearForward(t *testing.T) {
	l := &Linear{
		W: mat.NewDense(2, 3, []float64{1, 0, 2, 0, 1, -1}),
		B: mat.NewDense(2, 1, []float64{0.5, -0.5}),
	}
	x := VectorBatch(mat.NewDense(3, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
	}))
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{11.5, 14.5}, y.Data.RawRowView(0))
	assert.Equal(t, []float64{-2.5, -2.5}, y.Data.RawRowView(1))

	_, err = l.Forward(VectorBatch(mat.NewDense(2, 1, nil)))
	assert.ErrorIs(t, err, ErrTensorShape)
}

func TestConvIdentityKernel(t *testing.T) {
	conv, err := NewConv2D(ConvSpec{In: 1, Out: 1, KH: 3, KW: 3}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	conv.W.Zero()
	conv.W.Set(0, 4, 1) // center tap

	x := NewTensor(1, 2, 3)
	x.Data.SetRow(0, []float64{1, 2, 3, 4, 5, 6})
	y, err := conv.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, 2, y.Height)
	assert.Equal(t, 3, y.Width)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, y.Data.RawRowView(0))
}

func TestConvStrideHalvesResolution(t *testing.T) {
	conv, err := NewConv2D(ConvSpec{In: 2, Out: 4, KH: 3, KW: 3, Stride: 2}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	y, err := conv.Forward(NewTensor(2, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, 4, y.Channels())
	assert.Equal(t, 4, y.Height)
	assert.Equal(t, 4, y.Width)
}

func TestCatalogConvNormalizesChannels(t *testing.T) {
	op, err := Build("conv3x3", 2, 3, rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	x := NewTensor(2, 4, 4)
	rng := rand.New(rand.NewSource(5))
	x.Data.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, x.Data)
	y, err := op.Forward(x)
	require.NoError(t, err)

	for ch := 0; ch < y.Channels(); ch++ {
		row := y.Data.RawRowView(ch)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		assert.InDelta(t, 0, mean/float64(len(row)), 1e-9)
	}
}

func TestPooling(t *testing.T) {
	x := NewTensor(1, 3, 3)
	x.Data.SetRow(0, []float64{1, 2, 3, 4, -5, 6, 7, 8, 9})

	maxOp, err := Build("max3x3", 1, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	y, err := maxOp.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 6, 6, 8, 9, 9, 8, 9, 9}, y.Data.RawRowView(0))

	avgOp, err := Build("avg3x3", 1, 1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	y, err = avgOp.Forward(x)
	require.NoError(t, err)
	// center window: relu zeroes the -5, total 40.
	assert.InDelta(t, 40.0/9, y.Data.At(0, 4), 1e-12)
	assert.InDelta(t, 7.0/9, y.Data.At(0, 0), 1e-12)
}

func TestNonLinearities(t *testing.T) {
	x := VectorBatch(mat.NewDense(1, 3, []float64{-2, 0, 8}))
	cases := map[string][]float64{
		"relu":       {0, 0, 8},
		"relu6":      {0, 0, 6},
		"identity":   {-2, 0, 8},
		"leaky_relu": {-0.02, 0, 8},
	}
	for name, want := range cases {
		op, err := BuildNonLinearity(name)
		require.NoError(t, err)
		y, err := op.Forward(x)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, y.Data.RawRowView(0), 1e-12, name)
	}

	op, err := BuildNonLinearity("tanh")
	require.NoError(t, err)
	y, err := op.Forward(x)
	require.NoError(t, err)
	assert.InDelta(t, math.Tanh(-2), y.Data.At(0, 0), 1e-12)
}

func TestTensorHelpers(t *testing.T) {
	a := VectorBatch(mat.NewDense(2, 1, []float64{1, 3}))
	b := VectorBatch(mat.NewDense(2, 1, []float64{3, 5}))
	m, err := Mean([]Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, m.Data.RawMatrix().Data)

	_, err = Add(a, VectorBatch(mat.NewDense(3, 1, nil)))
	assert.ErrorIs(t, err, ErrTensorShape)

	fm := NewTensor(2, 2, 2)
	fm.Data.SetRow(0, []float64{1, 2, 3, 4})
	pooled := GlobalAvgPool(fm)
	assert.Equal(t, []float64{2.5, 0}, pooled.Data.RawMatrix().Data)

	assert.True(t, Finite(a))
	a.Data.Set(0, 0, math.NaN())
	assert.False(t, Finite(a))
}
