package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const normEpsilon = 1e-5

type identityOp struct{}

func (identityOp) Name() string { return "identity" }

func (identityOp) Forward(x Tensor) (Tensor, error) { return x, nil }

func (identityOp) Params() []*mat.Dense { return nil }

// Linear is a dense affine map applied independently to every column.
type Linear struct {
	W *mat.Dense // out x in
	B *mat.Dense // out x 1
}

func NewLinear(in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, errors.Wrapf(ErrWidthMismatch, "linear %d->%d", in, out)
	}
	bound := 1 / math.Sqrt(float64(in))
	w := mat.NewDense(out, in, nil)
	w.Apply(func(_, _ int, _ float64) float64 { return (rng.Float64()*2 - 1) * bound }, w)
	return &Linear{W: w, B: mat.NewDense(out, 1, nil)}, nil
}

func (l *Linear) Name() string { return "linear" }

func (l *Linear) Params() []*mat.Dense { return []*mat.Dense{l.W, l.B} }

func (l *Linear) Forward(x Tensor) (Tensor, error) {
	_, in := l.W.Dims()
	if x.Channels() != in {
		return Tensor{}, errors.Wrapf(ErrTensorShape, "linear expects %d channels, got %d", in, x.Channels())
	}
	out := mat.NewDense(l.W.RawMatrix().Rows, x.Positions(), nil)
	out.Mul(l.W, x.Data)
	bias := l.B.RawMatrix().Data
	out.Apply(func(i, _ int, v float64) float64 { return v + bias[i] }, out)
	return Tensor{Data: out, Height: x.Height, Width: x.Width}, nil
}

// ConvSpec describes a same-padded 2D convolution.
type ConvSpec struct {
	In, Out   int
	KH, KW    int
	Stride    int
	Depthwise bool
	PreReLU   bool
	Norm      bool
	Label     string
}

// Conv2D is a convolution with optional leading ReLU and trailing per-channel
// affine normalization.
type Conv2D struct {
	spec  ConvSpec
	W     *mat.Dense // out x (in*kh*kw), or out x (kh*kw) when depthwise
	Gamma *mat.Dense // out x 1
	Beta  *mat.Dense // out x 1
}

func NewConv2D(spec ConvSpec, rng *rand.Rand) (*Conv2D, error) {
	if spec.In <= 0 || spec.Out <= 0 || spec.KH <= 0 || spec.KW <= 0 {
		return nil, errors.Wrapf(ErrWidthMismatch, "conv %+v", spec)
	}
	if spec.Depthwise && spec.In != spec.Out {
		return nil, errors.Wrapf(ErrWidthMismatch, "depthwise conv needs in == out, got %d->%d", spec.In, spec.Out)
	}
	if spec.Stride <= 0 {
		spec.Stride = 1
	}
	fanIn := spec.In * spec.KH * spec.KW
	cols := fanIn
	if spec.Depthwise {
		fanIn = spec.KH * spec.KW
		cols = fanIn
	}
	std := math.Sqrt(2 / float64(fanIn))
	w := mat.NewDense(spec.Out, cols, nil)
	w.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() * std }, w)

	conv := &Conv2D{spec: spec, W: w}
	if spec.Norm {
		gamma := mat.NewDense(spec.Out, 1, nil)
		for i := 0; i < spec.Out; i++ {
			gamma.Set(i, 0, 1)
		}
		conv.Gamma = gamma
		conv.Beta = mat.NewDense(spec.Out, 1, nil)
	}
	return conv, nil
}

func (c *Conv2D) Name() string {
	if c.spec.Label != "" {
		return c.spec.Label
	}
	return "conv"
}

func (c *Conv2D) Params() []*mat.Dense {
	if c.spec.Norm {
		return []*mat.Dense{c.W, c.Gamma, c.Beta}
	}
	return []*mat.Dense{c.W}
}

func (c *Conv2D) Forward(x Tensor) (Tensor, error) {
	if x.Channels() != c.spec.In {
		return Tensor{}, errors.Wrapf(ErrTensorShape, "%s expects %d channels, got %d", c.Name(), c.spec.In, x.Channels())
	}
	if c.spec.PreReLU {
		x = applyElementwise(x, relu)
	}
	s := c.spec
	padH, padW := (s.KH-1)/2, (s.KW-1)/2
	outH := (x.Height+2*padH-s.KH)/s.Stride + 1
	outW := (x.Width+2*padW-s.KW)/s.Stride + 1
	out := NewTensor(s.Out, outH, outW)

	in := x.Data.RawMatrix()
	w := c.W.RawMatrix()
	dst := out.Data.RawMatrix()
	for o := 0; o < s.Out; o++ {
		channels := []int{o}
		if !s.Depthwise {
			channels = channels[:0]
			for ch := 0; ch < s.In; ch++ {
				channels = append(channels, ch)
			}
		}
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				sum := 0.0
				for k, ch := range channels {
					for ky := 0; ky < s.KH; ky++ {
						iy := oy*s.Stride - padH + ky
						if iy < 0 || iy >= x.Height {
							continue
						}
						for kx := 0; kx < s.KW; kx++ {
							ix := ox*s.Stride - padW + kx
							if ix < 0 || ix >= x.Width {
								continue
							}
							weight := w.Data[o*w.Stride+(k*s.KH+ky)*s.KW+kx]
							sum += weight * in.Data[ch*in.Stride+iy*x.Width+ix]
						}
					}
				}
				dst.Data[o*dst.Stride+oy*outW+ox] = sum
			}
		}
	}
	if s.Norm {
		c.normalize(out)
	}
	return out, nil
}

// normalize standardizes each channel over its spatial positions and applies
// the learned scale and shift.
func (c *Conv2D) normalize(t Tensor) {
	raw := t.Data.RawMatrix()
	n := float64(t.Positions())
	for ch := 0; ch < raw.Rows; ch++ {
		row := raw.Data[ch*raw.Stride : ch*raw.Stride+raw.Cols]
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= n
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= n
		scale := c.Gamma.At(ch, 0) / math.Sqrt(variance+normEpsilon)
		shift := c.Beta.At(ch, 0)
		for i, v := range row {
			row[i] = (v-mean)*scale + shift
		}
	}
}

func convFactory(kh, kw int, depthwise bool) OperationFactory {
	label := "conv"
	if depthwise {
		label = "dw"
	}
	return func(in, out int, rng *rand.Rand) (Operation, error) {
		return NewConv2D(ConvSpec{
			In:        in,
			Out:       out,
			KH:        kh,
			KW:        kw,
			Stride:    1,
			Depthwise: depthwise,
			PreReLU:   true,
			Norm:      true,
			Label:     label,
		}, rng)
	}
}

type poolKind int

const (
	poolMax poolKind = iota
	poolAvg
)

// pool3x3 is ReLU followed by a 3x3, stride 1, pad 1 pooling window. The
// average divides by the full window size, counting padding.
type pool3x3 struct {
	kind poolKind
}

func poolFactory(kind poolKind) OperationFactory {
	return func(in, out int, _ *rand.Rand) (Operation, error) {
		if in != out {
			return nil, errors.Wrapf(ErrWidthMismatch, "pooling %d->%d", in, out)
		}
		return pool3x3{kind: kind}, nil
	}
}

func (p pool3x3) Name() string {
	if p.kind == poolMax {
		return "max3x3"
	}
	return "avg3x3"
}

func (pool3x3) Params() []*mat.Dense { return nil }

func (p pool3x3) Forward(x Tensor) (Tensor, error) {
	x = applyElementwise(x, relu)
	out := NewTensor(x.Channels(), x.Height, x.Width)
	in := x.Data.RawMatrix()
	dst := out.Data.RawMatrix()
	for ch := 0; ch < in.Rows; ch++ {
		for y := 0; y < x.Height; y++ {
			for xx := 0; xx < x.Width; xx++ {
				acc := 0.0
				if p.kind == poolMax {
					acc = math.Inf(-1)
				}
				for dy := -1; dy <= 1; dy++ {
					iy := y + dy
					if iy < 0 || iy >= x.Height {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						ix := xx + dx
						if ix < 0 || ix >= x.Width {
							continue
						}
						v := in.Data[ch*in.Stride+iy*x.Width+ix]
						if p.kind == poolMax {
							acc = math.Max(acc, v)
						} else {
							acc += v
						}
					}
				}
				if p.kind == poolAvg {
					acc /= 9
				}
				dst.Data[ch*dst.Stride+y*x.Width+xx] = acc
			}
		}
	}
	return out, nil
}

type elementwiseOp struct {
	name string
	fn   func(float64) float64
}

func elementwiseFactory(name string, fn func(float64) float64) NonLinearityFactory {
	return func() Operation { return elementwiseOp{name: name, fn: fn} }
}

func (e elementwiseOp) Name() string { return e.name }

func (e elementwiseOp) Params() []*mat.Dense { return nil }

func (e elementwiseOp) Forward(x Tensor) (Tensor, error) {
	return applyElementwise(x, e.fn), nil
}

const (
	seluAlpha = 1.6732632423543772
	seluScale = 1.0507009873554805
	leakSlope = 0.01
)

var builtInNonLinearities = map[string]func(float64) float64{
	"identity": func(x float64) float64 { return x },
	"tanh":     math.Tanh,
	"relu":     relu,
	"relu6": func(x float64) float64 {
		return math.Min(math.Max(x, 0), 6)
	},
	"sigmoid": Sigmoid,
	"selu": func(x float64) float64 {
		if x > 0 {
			return seluScale * x
		}
		return seluScale * seluAlpha * (math.Exp(x) - 1)
	},
	"leaky_relu": func(x float64) float64 {
		if x < 0 {
			return leakSlope * x
		}
		return x
	},
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
