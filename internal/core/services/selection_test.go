package services

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedstack/federation-server/internal/core/models"
)

func identities(n int) []models.CollaboratorIdentity {
	out := make([]models.CollaboratorIdentity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.CollaboratorIdentity{
			Fingerprint: fmt.Sprintf("%02d-fingerprint", i),
			Name:        fmt.Sprintf("collab-%02d", i),
		})
	}
	return out
}

func TestSelectAllReturnsSortedCopy(t *testing.T) {
	candidates := identities(5)
	// Shuffle the input by hand; the output order must not depend on it.
	candidates[0], candidates[4] = candidates[4], candidates[0]
	candidates[1], candidates[3] = candidates[3], candidates[1]

	selected := SelectAll{}.Select(1, candidates)

	require.Len(t, selected, 5)
	assert.True(t, sort.SliceIsSorted(selected, func(i, j int) bool {
		return selected[i].Fingerprint < selected[j].Fingerprint
	}))

	selected[0].Name = "mutated"
	assert.NotEqual(t, "mutated", candidates[4].Name)
}

func TestFractionSamplerSize(t *testing.T) {
	sampler := FractionSampler{Fraction: 0.5, Seed: 42}
	assert.Len(t, sampler.Select(1, identities(10)), 5)

	// Ceil: 0.5 of 5 candidates is 3.
	sampler = FractionSampler{Fraction: 0.5, Seed: 42}
	assert.Len(t, sampler.Select(1, identities(5)), 3)

	sampler = FractionSampler{Fraction: 1.0, Seed: 42}
	assert.Len(t, sampler.Select(1, identities(5)), 5)

	assert.Empty(t, sampler.Select(1, nil))
}

func TestFractionSamplerDeterministic(t *testing.T) {
	candidates := identities(10)

	a := FractionSampler{Fraction: 0.3, Seed: 7}.Select(4, candidates)
	b := FractionSampler{Fraction: 0.3, Seed: 7}.Select(4, candidates)
	assert.Equal(t, a, b)

	// Input order must not matter either.
	reversed := make([]models.CollaboratorIdentity, len(candidates))
	for i, id := range candidates {
		reversed[len(candidates)-1-i] = id
	}
	c := FractionSampler{Fraction: 0.3, Seed: 7}.Select(4, reversed)
	assert.Equal(t, a, c)
}

func TestFractionSamplerVariesAcrossRounds(t *testing.T) {
	candidates := identities(20)
	sampler := FractionSampler{Fraction: 0.25, Seed: 7}

	distinct := make(map[string]struct{})
	for round := 1; round <= 5; round++ {
		selected := sampler.Select(round, candidates)
		key := ""
		for _, id := range selected {
			key += id.Fingerprint + ","
		}
		distinct[key] = struct{}{}
	}
	// Identical subsets every round would make the seed pointless.
	assert.Greater(t, len(distinct), 1)
}

func TestNewSelectionPolicy(t *testing.T) {
	policy := NewSelectionPolicy(models.RunConfig{SamplingFraction: 1.0})
	assert.IsType(t, SelectAll{}, policy)

	policy = NewSelectionPolicy(models.RunConfig{SamplingFraction: 0.5, SamplingSeed: 3})
	sampler, ok := policy.(FractionSampler)
	require.True(t, ok)
	assert.Equal(t, 0.5, sampler.Fraction)
	assert.Equal(t, int64(3), sampler.Seed)
}
