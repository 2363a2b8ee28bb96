package evo

import (
	"math/rand"

	"github.com/pkg/errors"

	"gnas/internal/genotype"
	"gnas/internal/model"
)

// Scored is one ranked entry. Slot is -1 for transient candidates.
type Scored struct {
	Individual model.Individual
	Fitness    float64
	Slot       int
	Serial     int
}

// Selector chooses parents from individuals ranked by ascending loss.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (model.Individual, error)
}

func checkPick(rng *rand.Rand, ranked []Scored, eliteCount int) error {
	if rng == nil {
		return errors.New("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return errors.Errorf("invalid elite count: %d", eliteCount)
	}
	return nil
}

// EliteSelector picks uniformly from the top elite set.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (model.Individual, error) {
	if err := checkPick(rng, ranked, eliteCount); err != nil {
		return model.Individual{}, err
	}
	pick, err := genotype.RandomElement(rng, ranked[:eliteCount])
	if err != nil {
		return model.Individual{}, err
	}
	return pick.Individual, nil
}

// TournamentSelector samples candidates from the top PoolSize entries and
// keeps the lowest loss among them.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []Scored, eliteCount int) (model.Individual, error) {
	if err := checkPick(rng, ranked, eliteCount); err != nil {
		return model.Individual{}, err
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = eliteCount * 2
	}
	if poolSize < eliteCount {
		poolSize = eliteCount
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	if tournamentSize > poolSize {
		tournamentSize = poolSize
	}

	best := ranked[rng.Intn(poolSize)]
	for i := 1; i < tournamentSize; i++ {
		candidate := ranked[rng.Intn(poolSize)]
		if candidate.Fitness < best.Fitness {
			best = candidate
		}
	}
	return best.Individual, nil
}
