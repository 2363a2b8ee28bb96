package tuning

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"gnas/internal/supernet"
)

// HillClimber perturbs random entries of the active parameter blocks and keeps
// a perturbation only when it lowers the loss by more than MinImprovement.
// Rejected perturbations are restored exactly.
type HillClimber struct {
	Rand              *rand.Rand
	Attempts          int
	Steps             int
	StepSize          float64
	PerturbationRange float64
	AnnealingFactor   float64
	MinImprovement    float64
	// BlockSelection chooses which parameter blocks an attempt may touch.
	BlockSelection string
	// Policy scales Attempts with training progress; nil means fixed.
	Policy AttemptPolicy

	mu          sync.Mutex
	epoch       int
	totalEpochs int
}

const (
	BlockSelectAll    = "all"
	BlockSelectRandom = "random"
)

// DefaultHillClimber returns the settings the CLI starts from.
func DefaultHillClimber(seed int64) *HillClimber {
	return &HillClimber{
		Rand:           rand.New(rand.NewSource(seed)),
		Attempts:       4,
		Steps:          8,
		StepSize:       0.05,
		BlockSelection: BlockSelectRandom,
	}
}

func (h *HillClimber) Name() string {
	return "hillclimb"
}

func (h *HillClimber) SetEpoch(epoch, totalEpochs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch, h.totalEpochs = epoch, totalEpochs
}

func (h *HillClimber) Step(ctx context.Context, net supernet.Network, loss LossFn) (float64, error) {
	report, err := h.StepWithReport(ctx, net, loss)
	if err != nil {
		return 0, err
	}
	return report.FinalLoss, nil
}

func (h *HillClimber) validate() error {
	if h == nil || h.Rand == nil {
		return errors.New("random source is required")
	}
	if h.Steps <= 0 {
		return errors.New("steps must be > 0")
	}
	if h.StepSize <= 0 {
		return errors.New("step size must be > 0")
	}
	if h.PerturbationRange < 0 {
		return errors.New("perturbation range must be >= 0")
	}
	if h.AnnealingFactor < 0 {
		return errors.New("annealing factor must be >= 0")
	}
	if h.MinImprovement < 0 {
		return errors.New("min improvement must be >= 0")
	}
	switch NormalizeBlockSelectionName(h.BlockSelection) {
	case BlockSelectAll, BlockSelectRandom:
	default:
		return errors.Errorf("unsupported block selection %q", h.BlockSelection)
	}
	return nil
}

func (h *HillClimber) StepWithReport(ctx context.Context, net supernet.Network, loss LossFn) (StepReport, error) {
	if err := ctx.Err(); err != nil {
		return StepReport{}, err
	}
	if err := h.validate(); err != nil {
		return StepReport{}, err
	}
	if net == nil {
		return StepReport{}, errors.New("network is required")
	}
	if loss == nil {
		return StepReport{}, errors.New("loss function is required")
	}
	perturbationRange := h.PerturbationRange
	if perturbationRange == 0 {
		perturbationRange = 1.0
	}
	annealingFactor := h.AnnealingFactor
	if annealingFactor == 0 {
		annealingFactor = 1.0
	}

	best, err := loss(ctx)
	if err != nil {
		return StepReport{}, err
	}
	report := StepReport{InitialLoss: best, FinalLoss: best}
	params := net.ActiveParams()
	if len(params) == 0 {
		return report, nil
	}
	report.AttemptsPlanned = h.attempts(countEntries(params))

	for a := 0; a < report.AttemptsPlanned; a++ {
		if err := ctx.Err(); err != nil {
			return StepReport{}, err
		}
		blocks := h.selectBlocks(params)
		backup := make([]*mat.Dense, len(blocks))
		for i, b := range blocks {
			backup[i] = mat.DenseCopyOf(b)
		}
		h.perturb(blocks, perturbationRange, annealingFactor)

		candidate, err := loss(ctx)
		if err != nil {
			restore(blocks, backup)
			return StepReport{}, err
		}
		report.AttemptsExecuted++
		report.CandidateEvaluations++
		if !math.IsNaN(candidate) && candidate < best-h.MinImprovement {
			best = candidate
			report.AcceptedCandidates++
			continue
		}
		restore(blocks, backup)
		report.RejectedCandidates++
	}
	report.FinalLoss = best
	klog.V(2).Infof("hillclimb: loss %.4f -> %.4f, accepted %d/%d", report.InitialLoss, best, report.AcceptedCandidates, report.AttemptsExecuted)
	return report, nil
}

func (h *HillClimber) attempts(entries int) int {
	h.mu.Lock()
	epoch, total := h.epoch, h.totalEpochs
	h.mu.Unlock()
	if h.Policy == nil {
		return FixedAttemptPolicy{}.Attempts(h.Attempts, epoch, total, entries)
	}
	return h.Policy.Attempts(h.Attempts, epoch, total, entries)
}

func (h *HillClimber) randIntn(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Rand.Intn(n)
}

func (h *HillClimber) randFloat64() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Rand.Float64()
}

func NormalizeBlockSelectionName(name string) string {
	switch name {
	case "", BlockSelectRandom, "dynamic_random":
		return BlockSelectRandom
	case BlockSelectAll, "current":
		return BlockSelectAll
	default:
		return name
	}
}

// selectBlocks returns every block, or a random subset where each block is
// kept with probability 1/sqrt(n). The subset is never empty.
func (h *HillClimber) selectBlocks(params []*mat.Dense) []*mat.Dense {
	if NormalizeBlockSelectionName(h.BlockSelection) == BlockSelectAll || len(params) <= 1 {
		return params
	}
	p := 1 / math.Sqrt(float64(len(params)))
	chosen := make([]*mat.Dense, 0, len(params))
	for _, block := range params {
		if h.randFloat64() < p {
			chosen = append(chosen, block)
		}
	}
	if len(chosen) > 0 {
		return chosen
	}
	return []*mat.Dense{params[h.randIntn(len(params))]}
}

func (h *HillClimber) perturb(blocks []*mat.Dense, perturbationRange, annealingFactor float64) {
	for s := 0; s < h.Steps; s++ {
		block := blocks[h.randIntn(len(blocks))]
		r, c := block.Dims()
		i, j := h.randIntn(r), h.randIntn(c)
		spread := h.StepSize * perturbationRange * math.Pow(annealingFactor, float64(s))
		block.Set(i, j, block.At(i, j)+(h.randFloat64()*2-1)*spread)
	}
}

func restore(blocks, backup []*mat.Dense) {
	for i, b := range blocks {
		b.Copy(backup[i])
	}
}

func countEntries(params []*mat.Dense) int {
	total := 0
	for _, p := range params {
		r, c := p.Dims()
		total += r * c
	}
	return total
}
