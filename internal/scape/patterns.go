package scape

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gnas/internal/genotype"
	"gnas/internal/nn"
	"gnas/internal/supernet"
)

// MaxPatternClasses is the number of distinct generators.
const MaxPatternClasses = 4

// ImageModel classifies a batch of images into Classes x batch logits.
type ImageModel interface {
	supernet.Network
	ForwardBatch(images []nn.Tensor) (*mat.Dense, error)
}

type PatternConfig struct {
	Classes   int
	Size      int
	Train     int
	Eval      int
	BatchSize int
	Noise     float64
	Seed      int64
}

func DefaultPatternConfig() PatternConfig {
	return PatternConfig{Classes: 4, Size: 8, Train: 64, Eval: 32, BatchSize: 16, Noise: 0.3, Seed: 1}
}

// ImageBatch is a labeled set of single-channel images.
type ImageBatch struct {
	Images []nn.Tensor
	Labels []int
}

func (b ImageBatch) Size() int { return len(b.Images) }

// PatternScape is a synthetic image task: horizontal stripes, vertical
// stripes, diagonal stripes and a centered blob, under gaussian noise.
type PatternScape struct {
	cfg   PatternConfig
	train ImageBatch
	valid ImageBatch
	test  ImageBatch
}

func NewPatternScape(cfg PatternConfig) (*PatternScape, error) {
	if cfg.Classes < 2 || cfg.Classes > MaxPatternClasses {
		return nil, errors.Errorf("classes must be in [2,%d], got %d", MaxPatternClasses, cfg.Classes)
	}
	if cfg.Size < 4 || cfg.Train <= 0 || cfg.Eval <= 0 || cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid pattern config %+v", cfg)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &PatternScape{
		cfg:   cfg,
		train: generatePatterns(rng, cfg, cfg.Train),
		valid: generatePatterns(rng, cfg, cfg.Eval),
		test:  generatePatterns(rng, cfg, cfg.Eval),
	}, nil
}

func generatePatterns(rng *rand.Rand, cfg PatternConfig, n int) ImageBatch {
	out := ImageBatch{Images: make([]nn.Tensor, n), Labels: make([]int, n)}
	for i := 0; i < n; i++ {
		label := i % cfg.Classes
		phase := rng.Intn(2)
		img := nn.NewTensor(1, cfg.Size, cfg.Size)
		center := float64(cfg.Size-1) / 2
		for y := 0; y < cfg.Size; y++ {
			for x := 0; x < cfg.Size; x++ {
				var v float64
				switch label {
				case 0:
					v = float64((y + phase) % 2)
				case 1:
					v = float64((x + phase) % 2)
				case 2:
					v = float64((x + y + phase) % 2)
				default:
					d := math.Hypot(float64(x)-center, float64(y)-center)
					if d < center/2+float64(phase) {
						v = 1
					}
				}
				img.Data.Set(0, y*cfg.Size+x, v+rng.NormFloat64()*cfg.Noise)
			}
		}
		out.Images[i] = img
		out.Labels[i] = label
	}
	return out
}

func (s *PatternScape) Name() string { return "patterns" }

func (s *PatternScape) Kind() string { return genotype.KindCNN }

func (s *PatternScape) Classes() int { return s.cfg.Classes }

// TrainBatches shuffles the training set with a per-epoch seed.
func (s *PatternScape) TrainBatches(epoch int) []Batch {
	rng := rand.New(rand.NewSource(s.cfg.Seed + int64(epoch) + 1))
	order := rng.Perm(len(s.train.Images))
	var out []Batch
	for start := 0; start < len(order); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(order))
		b := ImageBatch{}
		for _, idx := range order[start:end] {
			b.Images = append(b.Images, s.train.Images[idx])
			b.Labels = append(b.Labels, s.train.Labels[idx])
		}
		out = append(out, b)
	}
	return out
}

func (s *PatternScape) Loss(ctx context.Context, net supernet.Network, batch Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	model, ok := net.(ImageModel)
	if !ok {
		return 0, errors.Errorf("%T is not an image model", net)
	}
	b, ok := batch.(ImageBatch)
	if !ok {
		return 0, errors.Errorf("unexpected batch type %T", batch)
	}
	logits, err := model.ForwardBatch(b.Images)
	if err != nil {
		return 0, err
	}
	return supernet.SoftmaxCrossEntropy(logits, b.Labels)
}

func (s *PatternScape) Evaluate(ctx context.Context, net supernet.Network, mode string) (float64, error) {
	mode, err := normalizeMode(mode)
	if err != nil {
		return 0, err
	}
	if mode == ModeTest {
		return s.Loss(ctx, net, s.test)
	}
	return s.Loss(ctx, net, s.valid)
}
