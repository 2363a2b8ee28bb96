package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrTensorShape reports operands whose channel or spatial geometry disagree.
var ErrTensorShape = errors.New("tensor shape mismatch")

// Tensor is a feature map stored as a channels x (Height*Width) matrix.
// Vector batches use Height 1 and one column per sample.
type Tensor struct {
	Data   *mat.Dense
	Height int
	Width  int
}

func NewTensor(channels, height, width int) Tensor {
	return Tensor{
		Data:   mat.NewDense(channels, height*width, nil),
		Height: height,
		Width:  width,
	}
}

// VectorBatch wraps a features x batch matrix.
func VectorBatch(m *mat.Dense) Tensor {
	_, c := m.Dims()
	return Tensor{Data: m, Height: 1, Width: c}
}

func (t Tensor) Channels() int {
	r, _ := t.Data.Dims()
	return r
}

func (t Tensor) Positions() int {
	return t.Height * t.Width
}

func (t Tensor) SameShape(o Tensor) bool {
	return t.Channels() == o.Channels() && t.Height == o.Height && t.Width == o.Width
}

func (t Tensor) Clone() Tensor {
	return Tensor{Data: mat.DenseCopyOf(t.Data), Height: t.Height, Width: t.Width}
}

// Add returns t+o without modifying either operand.
func Add(t, o Tensor) (Tensor, error) {
	if !t.SameShape(o) {
		return Tensor{}, errors.Wrapf(ErrTensorShape, "add %dx%dx%d and %dx%dx%d",
			t.Channels(), t.Height, t.Width, o.Channels(), o.Height, o.Width)
	}
	out := mat.NewDense(t.Channels(), t.Positions(), nil)
	out.Add(t.Data, o.Data)
	return Tensor{Data: out, Height: t.Height, Width: t.Width}, nil
}

// Mean averages tensors of identical shape.
func Mean(ts []Tensor) (Tensor, error) {
	if len(ts) == 0 {
		return Tensor{}, errors.New("mean of zero tensors")
	}
	acc := ts[0].Clone()
	for _, t := range ts[1:] {
		if !acc.SameShape(t) {
			return Tensor{}, errors.Wrap(ErrTensorShape, "mean")
		}
		acc.Data.Add(acc.Data, t.Data)
	}
	acc.Data.Scale(1/float64(len(ts)), acc.Data)
	return acc, nil
}

// GlobalAvgPool reduces every channel to its spatial mean, giving a channels x 1 tensor.
func GlobalAvgPool(t Tensor) Tensor {
	channels := t.Channels()
	out := mat.NewDense(channels, 1, nil)
	for c := 0; c < channels; c++ {
		out.Set(c, 0, mat.Sum(t.Data.RowView(c))/float64(t.Positions()))
	}
	return Tensor{Data: out, Height: 1, Width: 1}
}

// Dropout zeroes entries with probability rate and rescales survivors.
// Callers only invoke it in training mode.
func Dropout(t Tensor, rate float64, rng *rand.Rand) Tensor {
	if rate <= 0 || rng == nil {
		return t
	}
	keep := 1 - rate
	out := t.Clone()
	out.Data.Apply(func(_, _ int, v float64) float64 {
		if rng.Float64() < rate {
			return 0
		}
		return v / keep
	}, out.Data)
	return out
}

func applyElementwise(t Tensor, fn func(float64) float64) Tensor {
	out := mat.NewDense(t.Channels(), t.Positions(), nil)
	out.Apply(func(_, _ int, v float64) float64 { return fn(v) }, t.Data)
	return Tensor{Data: out, Height: t.Height, Width: t.Width}
}

// Finite reports whether every entry is a finite number.
func Finite(t Tensor) bool {
	r, c := t.Data.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := t.Data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
