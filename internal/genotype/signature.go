package genotype

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"gnas/internal/model"
)

type ArchitectureSummary struct {
	Nodes          int            `json:"nodes"`
	OpDistribution map[string]int `json:"op_distribution"`
	// Per cell, in cell order.
	Depth      []int `json:"depth"`
	LooseEnds  []int `json:"loose_ends"`
	ExternalIn []int `json:"external_reads"`
}

type ArchitectureSignature struct {
	Fingerprint string              `json:"fingerprint"`
	Summary     ArchitectureSummary `json:"summary"`
}

// Fingerprint is a short digest of the genome alone.
func Fingerprint(ind model.Individual) string {
	digest := sha1.Sum([]byte(ind.Key()))
	return hex.EncodeToString(digest[:8])
}

// ComputeSignature summarizes ind against space. The fingerprint covers the
// genome and the resolved operation names, so equal genomes in different
// vocabularies do not collide.
func ComputeSignature(space *SearchSpace, ind model.Individual) (ArchitectureSignature, error) {
	if err := space.Validate(ind); err != nil {
		return ArchitectureSignature{}, err
	}
	summary := ArchitectureSummary{Nodes: ind.Len(), OpDistribution: make(map[string]int)}
	for i, g := range ind.Genes {
		summary.OpDistribution[space.OpName(i, g)]++
	}

	for c, cell := range space.cells {
		genes, err := space.CellGenes(ind, c)
		if err != nil {
			return ArchitectureSignature{}, err
		}
		graph, err := NewCellGraph(cell, genes)
		if err != nil {
			return ArchitectureSignature{}, err
		}
		depth, err := graph.Depth()
		if err != nil {
			return ArchitectureSignature{}, err
		}
		reads := 0
		for ext := 0; ext < cell.External; ext++ {
			reads += graph.From(int64(ext)).Len()
		}
		summary.Depth = append(summary.Depth, depth)
		summary.LooseEnds = append(summary.LooseEnds, len(graph.LooseEnds()))
		summary.ExternalIn = append(summary.ExternalIn, reads)
	}

	parts := []string{space.Kind(), ind.Key()}
	keys := make([]string, 0, len(summary.OpDistribution))
	for k := range summary.OpDistribution {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("op:%s=%d", k, summary.OpDistribution[k]))
	}
	digest := sha1.Sum([]byte(strings.Join(parts, "|")))
	return ArchitectureSignature{
		Fingerprint: hex.EncodeToString(digest[:8]),
		Summary:     summary,
	}, nil
}
