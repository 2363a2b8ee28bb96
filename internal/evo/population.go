package evo

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"gnas/internal/genotype"
	"gnas/internal/model"
	"gnas/internal/storage"
)

// WorstFitness replaces non-finite losses so they rank last.
const WorstFitness = math.MaxFloat64

var (
	ErrNoCurrentIndividual = errors.New("no current individual")
	ErrIncompleteSweep     = errors.New("generation sweep incomplete")
	ErrStaleHandle         = errors.New("stale individual handle")
	ErrAlreadyScored       = errors.New("individual already scored")
	ErrSweepComplete       = errors.New("every stored individual is scored")
	ErrInvalidPopulation   = errors.New("invalid population config")
)

// Handle identifies an individual issued for evaluation. Fitness is recorded
// against the handle, never against ambient cursor state.
type Handle struct {
	Generation int
	// Slot is the stored slot index, or -1 for a transient candidate.
	Slot       int
	Serial     int
	Individual model.Individual
}

func (h Handle) Transient() bool {
	return h.Slot < 0
}

type PopulationConfig struct {
	Size          int
	EliteFraction float64
	// MutationProbability is the per-gene resampling probability.
	MutationProbability float64
	// CrossoverBias is the probability of taking a gene from the first
	// parent. Zero selects DefaultCrossoverBias.
	CrossoverBias float64
	Selector      Selector
	// Operator builds the reproduction step; nil is crossover then mutation.
	Operator OperatorFactory
	Seed     int64
	// Rand overrides the source derived from Seed.
	Rand *rand.Rand
}

func DefaultPopulationConfig() PopulationConfig {
	return PopulationConfig{
		Size:                20,
		EliteFraction:       0.2,
		MutationProbability: 0.1,
		CrossoverBias:       DefaultCrossoverBias,
		Selector:            EliteSelector{},
		Seed:                1,
	}
}

func (cfg PopulationConfig) validate() (PopulationConfig, error) {
	if cfg.Size <= 0 {
		return cfg, errors.Wrapf(ErrInvalidPopulation, "size must be > 0, got %d", cfg.Size)
	}
	if cfg.EliteFraction < 0 || cfg.EliteFraction > 1 {
		return cfg, errors.Wrapf(ErrInvalidPopulation, "elite fraction must be in [0,1], got %g", cfg.EliteFraction)
	}
	if cfg.MutationProbability < 0 || cfg.MutationProbability > 1 {
		return cfg, errors.Wrapf(ErrInvalidPopulation, "mutation probability must be in [0,1], got %g", cfg.MutationProbability)
	}
	if cfg.CrossoverBias == 0 {
		cfg.CrossoverBias = DefaultCrossoverBias
	}
	if cfg.CrossoverBias < 0 || cfg.CrossoverBias > 1 {
		return cfg, errors.Wrapf(ErrInvalidPopulation, "crossover bias must be in [0,1], got %g", cfg.CrossoverBias)
	}
	if cfg.Selector == nil {
		cfg.Selector = EliteSelector{}
	}
	if cfg.Operator == nil {
		cfg.Operator, _ = ResolveOperator(OperatorCrossoverMutate)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(cfg.Seed))
	}
	return cfg, nil
}

// EliteCount is max(1, round(size*fraction)), capped at size.
func (cfg PopulationConfig) EliteCount() int {
	n := int(math.Round(float64(cfg.Size) * cfg.EliteFraction))
	if n < 1 {
		n = 1
	}
	if n > cfg.Size {
		n = cfg.Size
	}
	return n
}

type slot struct {
	individual model.Individual
	fitness    float64
	scored     bool
}

type transient struct {
	handle  Handle
	fitness float64
	scored  bool
}

// Population is the generational GA state. It is not safe for concurrent use.
type Population struct {
	space *genotype.SearchSpace
	cfg   PopulationConfig
	rng   *rand.Rand
	breed Operator

	slots       []slot
	cursor      int
	trainCursor int
	generation  int
	serial      int
	transients  []transient
	last        *Handle

	// parents is the ranking of the previous generation; transient
	// candidates are bred from its elites.
	parents []Scored

	bestEver    float64
	bestEverInd model.Individual
	diagnostics *model.GenerationDiagnostics
}

// NewPopulation fills cfg.Size slots with random individuals of space.
func NewPopulation(space *genotype.SearchSpace, cfg PopulationConfig) (*Population, error) {
	if space == nil {
		return nil, errors.Wrap(ErrInvalidPopulation, "search space is required")
	}
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	p := newPopulation(space, cfg)
	for i := range p.slots {
		p.slots[i] = slot{individual: space.GenerateIndividual(p.rng)}
	}
	p.parents = p.unrankedParents()
	return p, nil
}

func newPopulation(space *genotype.SearchSpace, cfg PopulationConfig) *Population {
	return &Population{
		space:    space,
		cfg:      cfg,
		rng:      cfg.Rand,
		breed:    cfg.Operator(space, cfg.CrossoverBias, cfg.MutationProbability),
		slots:    make([]slot, cfg.Size),
		bestEver: WorstFitness,
	}
}

// unrankedParents treats the stored slots as the parent ranking when no
// generation has been scored yet.
func (p *Population) unrankedParents() []Scored {
	out := make([]Scored, len(p.slots))
	for i, s := range p.slots {
		out[i] = Scored{Individual: s.individual, Fitness: WorstFitness, Slot: i}
	}
	return out
}

func (p *Population) Size() int { return len(p.slots) }

func (p *Population) Generation() int { return p.generation }

func (p *Population) EliteCount() int { return p.cfg.EliteCount() }

func (p *Population) Space() *genotype.SearchSpace { return p.space }

// Individual returns a copy of the individual stored at slot i.
func (p *Population) Individual(i int) model.Individual {
	return p.slots[i].individual.Clone()
}

// Fitness returns the fitness of slot i and whether it is scored.
func (p *Population) Fitness(i int) (float64, bool) {
	return p.slots[i].fitness, p.slots[i].scored
}

// Unscored counts stored slots still waiting for a fitness.
func (p *Population) Unscored() int {
	n := 0
	for _, s := range p.slots {
		if !s.scored {
			n++
		}
	}
	return n
}

// BestEver is the lowest loss recorded so far and its individual. ok is false
// until something has been scored.
func (p *Population) BestEver() (model.Individual, float64, bool) {
	if p.bestEverInd.Len() == 0 {
		return model.Individual{}, WorstFitness, false
	}
	return p.bestEverInd.Clone(), p.bestEver, true
}

// SampleChild returns the next individual to train. With probability prob it
// is a fresh candidate bred from the current elites (a transient that is not
// stored); otherwise it is the stored slot under the training cursor, which
// advances on every issue and wraps around the population. prob >= 1 always
// breeds and prob <= 0 never does; no random draw is consumed in either case.
func (p *Population) SampleChild(prob float64) (Handle, error) {
	if math.IsNaN(prob) {
		return Handle{}, errors.New("sample probability is NaN")
	}
	fresh := prob >= 1
	if prob > 0 && prob < 1 {
		fresh = p.rng.Float64() < prob
	}
	if fresh {
		return p.sampleTransient()
	}
	return p.sampleTraining(), nil
}

// Current returns the handle of the next unscored slot in validation order;
// it does not breed. ErrSweepComplete once every slot is scored.
func (p *Population) Current() (Handle, error) {
	return p.sampleStored()
}

func (p *Population) sampleTraining() Handle {
	i := p.trainCursor % len(p.slots)
	p.trainCursor = (i + 1) % len(p.slots)
	h := Handle{
		Generation: p.generation,
		Slot:       i,
		Serial:     p.nextSerial(),
		Individual: p.slots[i].individual.Clone(),
	}
	p.last = &h
	return h
}

func (p *Population) sampleStored() (Handle, error) {
	for p.cursor < len(p.slots) && p.slots[p.cursor].scored {
		p.cursor++
	}
	if p.cursor >= len(p.slots) {
		return Handle{}, errors.Wrapf(ErrSweepComplete, "generation %d", p.generation)
	}
	h := Handle{
		Generation: p.generation,
		Slot:       p.cursor,
		Serial:     p.nextSerial(),
		Individual: p.slots[p.cursor].individual.Clone(),
	}
	p.last = &h
	return h, nil
}

// PendingHandles issues a handle for every unscored stored slot, in slot
// order, for evaluation by parallel workers. The cursor is not moved.
func (p *Population) PendingHandles() []Handle {
	var out []Handle
	for i, s := range p.slots {
		if s.scored {
			continue
		}
		out = append(out, Handle{
			Generation: p.generation,
			Slot:       i,
			Serial:     p.nextSerial(),
			Individual: s.individual.Clone(),
		})
	}
	return out
}

func (p *Population) sampleTransient() (Handle, error) {
	child, err := p.offspring(p.parents)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Generation: p.generation, Slot: -1, Serial: p.nextSerial(), Individual: child}
	p.transients = append(p.transients, transient{handle: h})
	p.last = &h
	return Handle{Generation: h.Generation, Slot: h.Slot, Serial: h.Serial, Individual: child.Clone()}, nil
}

func (p *Population) nextSerial() int {
	p.serial++
	return p.serial
}

func (p *Population) offspring(ranked []Scored) (model.Individual, error) {
	elites := p.cfg.EliteCount()
	a, err := p.cfg.Selector.PickParent(p.rng, ranked, elites)
	if err != nil {
		return model.Individual{}, errors.WithMessage(err, "pick first parent")
	}
	b, err := p.cfg.Selector.PickParent(p.rng, ranked, elites)
	if err != nil {
		return model.Individual{}, errors.WithMessage(err, "pick second parent")
	}
	return p.breed.Apply(p.rng, a, b)
}

// RecordFitness attaches loss to the individual identified by h. Non-finite
// losses are recorded as WorstFitness.
func (p *Population) RecordFitness(h Handle, loss float64) error {
	if h.Generation != p.generation {
		return errors.Wrapf(ErrStaleHandle, "handle generation %d, population generation %d", h.Generation, p.generation)
	}
	loss = SanitizeLoss(loss, h)

	var ind model.Individual
	if h.Transient() {
		idx := p.findTransient(h.Serial)
		if idx < 0 {
			return errors.Wrapf(ErrStaleHandle, "unknown transient serial %d", h.Serial)
		}
		t := &p.transients[idx]
		if t.scored {
			return errors.Wrapf(ErrAlreadyScored, "transient serial %d", h.Serial)
		}
		t.fitness, t.scored = loss, true
		ind = t.handle.Individual
	} else {
		if h.Slot >= len(p.slots) {
			return errors.Wrapf(ErrStaleHandle, "slot %d out of range", h.Slot)
		}
		s := &p.slots[h.Slot]
		if s.scored {
			return errors.Wrapf(ErrAlreadyScored, "slot %d", h.Slot)
		}
		s.fitness, s.scored = loss, true
		ind = s.individual
	}

	if loss < p.bestEver {
		p.bestEver = loss
		p.bestEverInd = ind.Clone()
	}
	klog.V(2).Infof("generation %d: %s serial %d loss %g", p.generation, describeHandle(h), h.Serial, loss)
	return nil
}

// UpdateCurrentIndividualFitness records loss against the last issued handle.
func (p *Population) UpdateCurrentIndividualFitness(loss float64) error {
	if p.last == nil {
		return ErrNoCurrentIndividual
	}
	return p.RecordFitness(*p.last, loss)
}

func (p *Population) findTransient(serial int) int {
	for i := range p.transients {
		if p.transients[i].handle.Serial == serial {
			return i
		}
	}
	return -1
}

// SanitizeLoss maps non-finite losses to WorstFitness.
func SanitizeLoss(loss float64, h Handle) float64 {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		klog.Warningf("non-finite loss %g for %s serial %d, recording worst fitness", loss, describeHandle(h), h.Serial)
		return WorstFitness
	}
	return loss
}

func describeHandle(h Handle) string {
	if h.Transient() {
		return "transient"
	}
	return fmt.Sprintf("slot %d", h.Slot)
}

// Ranked returns the stored slots followed by scored transients, sorted by
// ascending loss. Ties keep storage order: slots by index, then transients in
// issue order.
func (p *Population) Ranked() []Scored {
	pool := make([]Scored, 0, len(p.slots)+len(p.transients))
	for i, s := range p.slots {
		fitness := s.fitness
		if !s.scored {
			fitness = WorstFitness
		}
		pool = append(pool, Scored{Individual: s.individual, Fitness: fitness, Slot: i})
	}
	for _, t := range p.transients {
		if t.scored {
			pool = append(pool, Scored{Individual: t.handle.Individual, Fitness: t.fitness, Slot: -1, Serial: t.handle.Serial})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Fitness < pool[j].Fitness
	})
	return pool
}

// UpdatePopulation advances to the next generation. Every stored slot must be
// scored. The top EliteCount individuals are kept unchanged in the leading
// slots; the rest are bred from selector-picked parents. Returns the minimum
// loss of the generation just scored.
func (p *Population) UpdatePopulation() (float64, error) {
	if missing := p.Unscored(); missing > 0 {
		return 0, errors.Wrapf(ErrIncompleteSweep, "generation %d: %d of %d slots unscored", p.generation, missing, len(p.slots))
	}

	ranked := p.Ranked()
	elites := p.cfg.EliteCount()
	diag := summarizeGeneration(p.generation, ranked, p.slots, elites, len(ranked)-len(p.slots))

	next := make([]slot, len(p.slots))
	for i := 0; i < elites; i++ {
		next[i] = slot{individual: ranked[i].Individual.Clone()}
	}
	for i := elites; i < len(next); i++ {
		child, err := p.offspring(ranked)
		if err != nil {
			return 0, errors.WithMessagef(err, "refill slot %d", i)
		}
		next[i] = slot{individual: child}
	}

	best := ranked[0].Fitness
	if best < p.bestEver {
		p.bestEver = best
		p.bestEverInd = ranked[0].Individual.Clone()
	}
	diag.BestEverFitness = p.bestEver
	if p.bestEverInd.Len() > 0 {
		diag.BestFingerprint = genotype.Fingerprint(p.bestEverInd)
	}
	if diag.Collapsed {
		klog.Warningf("generation %d: population collapsed to a single architecture %s", p.generation, ranked[0].Individual)
	}

	parents := make([]Scored, len(ranked))
	for i, r := range ranked {
		parents[i] = Scored{Individual: r.Individual.Clone(), Fitness: r.Fitness, Slot: r.Slot, Serial: r.Serial}
	}

	p.slots = next
	p.parents = parents
	p.cursor = 0
	p.trainCursor = 0
	p.transients = nil
	p.last = nil
	p.diagnostics = &diag
	p.generation++
	return best, nil
}

// LastDiagnostics returns the summary of the most recent UpdatePopulation.
func (p *Population) LastDiagnostics() (model.GenerationDiagnostics, bool) {
	if p.diagnostics == nil {
		return model.GenerationDiagnostics{}, false
	}
	return *p.diagnostics, true
}

// Snapshot captures the stored slots and bookkeeping. Transients are not part
// of a snapshot.
func (p *Population) Snapshot(id string) model.PopulationSnapshot {
	snap := model.PopulationSnapshot{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:             id,
		SpaceSignature: p.space.Signature(),
		Generation:     p.generation,
		Individuals:    make([][][]int, len(p.slots)),
		Fitness:        make([]float64, len(p.slots)),
		Scored:         make([]bool, len(p.slots)),
		BestEver:       p.bestEver,
	}
	for i, s := range p.slots {
		snap.Individuals[i] = genotype.EncodeTuples(s.individual)
		snap.Fitness[i] = s.fitness
		snap.Scored[i] = s.scored
	}
	if p.bestEverInd.Len() > 0 {
		snap.BestIndividual = genotype.EncodeTuples(p.bestEverInd)
	}
	return snap
}

// RestorePopulation rebuilds a population from a snapshot taken over an
// identical search space. cfg.Size is taken from the snapshot.
func RestorePopulation(space *genotype.SearchSpace, cfg PopulationConfig, snap model.PopulationSnapshot) (*Population, error) {
	if space == nil {
		return nil, errors.Wrap(ErrInvalidPopulation, "search space is required")
	}
	if snap.SpaceSignature != space.Signature() {
		return nil, errors.Wrapf(genotype.ErrShapeMismatch, "snapshot %s was taken over a different search space", snap.ID)
	}
	if len(snap.Individuals) == 0 || len(snap.Fitness) != len(snap.Individuals) || len(snap.Scored) != len(snap.Individuals) {
		return nil, errors.Wrapf(ErrInvalidPopulation, "snapshot %s: inconsistent slot arrays", snap.ID)
	}
	cfg.Size = len(snap.Individuals)
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	p := newPopulation(space, cfg)
	p.generation = snap.Generation
	for i, tuples := range snap.Individuals {
		ind, err := genotype.DecodeTuples(space, tuples)
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshot %s slot %d", snap.ID, i)
		}
		p.slots[i] = slot{individual: ind, fitness: snap.Fitness[i], scored: snap.Scored[i]}
	}
	if len(snap.BestIndividual) > 0 {
		best, err := genotype.DecodeTuples(space, snap.BestIndividual)
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshot %s best individual", snap.ID)
		}
		p.bestEver = snap.BestEver
		p.bestEverInd = best
	}
	p.parents = p.unrankedParents()
	return p, nil
}
