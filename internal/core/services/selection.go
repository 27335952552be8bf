package services

import (
	"math"
	"math/rand"
	"sort"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
)

// SelectAll is the default policy: every eligible collaborator participates
// in every round.
type SelectAll struct{}

func (SelectAll) Select(_ int, candidates []models.CollaboratorIdentity) []models.CollaboratorIdentity {
	out := make([]models.CollaboratorIdentity, len(candidates))
	copy(out, candidates)
	sortByFingerprint(out)
	return out
}

// FractionSampler selects a deterministic pseudo-random subset of the
// candidates each round. The permutation depends only on (Seed, round), so a
// rerun with the same seed reproduces the same responder sets.
type FractionSampler struct {
	Fraction float64
	Seed     int64
}

func (p FractionSampler) Select(roundNumber int, candidates []models.CollaboratorIdentity) []models.CollaboratorIdentity {
	if len(candidates) == 0 {
		return nil
	}

	pool := make([]models.CollaboratorIdentity, len(candidates))
	copy(pool, candidates)
	sortByFingerprint(pool)

	n := int(math.Ceil(p.Fraction * float64(len(pool))))
	if n <= 0 {
		return nil
	}
	if n >= len(pool) {
		return pool
	}

	rng := rand.New(rand.NewSource(p.Seed + int64(roundNumber)*0x9E3779B9))
	rng.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})

	selected := pool[:n]
	sortByFingerprint(selected)
	return selected
}

// Candidate order must not depend on registry iteration order, or the
// sampler's determinism guarantee breaks.
func sortByFingerprint(ids []models.CollaboratorIdentity) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Fingerprint < ids[j].Fingerprint
	})
}

// NewSelectionPolicy resolves a run's configured sampling into a concrete
// policy.
func NewSelectionPolicy(cfg models.RunConfig) ports.SelectionPolicy {
	if cfg.SamplingFraction > 0 && cfg.SamplingFraction < 1 {
		return FractionSampler{Fraction: cfg.SamplingFraction, Seed: cfg.SamplingSeed}
	}
	return SelectAll{}
}
