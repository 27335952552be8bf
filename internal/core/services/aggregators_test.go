package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedstack/federation-server/internal/core/models"
)

func result(fp string, weight, loss float64, update models.ModelVector) *models.CollaboratorResult {
	return &models.CollaboratorResult{
		Fingerprint: fp,
		Update:      update,
		Weight:      weight,
		Loss:        loss,
	}
}

func TestWeightedAverageAggregator(t *testing.T) {
	results := []*models.CollaboratorResult{
		result("a", 1, 0.5, models.ModelVector{"layer": {1, 2}}),
		result("b", 3, 0.1, models.ModelVector{"layer": {5, 6}}),
	}

	params, err := WeightedAverageAggregator{}.Aggregate(results)
	require.NoError(t, err)

	// (1*1 + 5*3) / 4 = 4, (2*1 + 6*3) / 4 = 5
	assert.InDelta(t, 4.0, params["layer"][0], 1e-9)
	assert.InDelta(t, 5.0, params["layer"][1], 1e-9)
}

func TestWeightedAverageEqualsSplitContribution(t *testing.T) {
	update := models.ModelVector{"w": {2, 4, 6}}

	whole, err := WeightedAverageAggregator{}.Aggregate([]*models.CollaboratorResult{
		result("a", 4, 0, update),
		result("b", 2, 0, models.ModelVector{"w": {8, 10, 12}}),
	})
	require.NoError(t, err)

	// The same samples reported by two collaborators of half the weight each
	// must aggregate identically.
	split, err := WeightedAverageAggregator{}.Aggregate([]*models.CollaboratorResult{
		result("a1", 2, 0, update),
		result("a2", 2, 0, update),
		result("b", 2, 0, models.ModelVector{"w": {8, 10, 12}}),
	})
	require.NoError(t, err)

	for i := range whole["w"] {
		assert.InDelta(t, whole["w"][i], split["w"][i], 1e-9)
	}
}

func TestAggregatorOrderInvariance(t *testing.T) {
	a := result("a", 1, 0, models.ModelVector{"w": {1}})
	b := result("b", 2, 0, models.ModelVector{"w": {4}})
	c := result("c", 5, 0, models.ModelVector{"w": {9}})

	forward, err := WeightedAverageAggregator{}.Aggregate([]*models.CollaboratorResult{a, b, c})
	require.NoError(t, err)
	backward, err := WeightedAverageAggregator{}.Aggregate([]*models.CollaboratorResult{c, a, b})
	require.NoError(t, err)

	assert.InDelta(t, forward["w"][0], backward["w"][0], 1e-9)
}

func TestMeanAggregatorIgnoresWeights(t *testing.T) {
	results := []*models.CollaboratorResult{
		result("a", 100, 0, models.ModelVector{"w": {2}}),
		result("b", 1, 0, models.ModelVector{"w": {4}}),
	}

	params, err := MeanAggregator{}.Aggregate(results)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, params["w"][0], 1e-9)
}

func TestAggregateSkipsNonPositiveWeights(t *testing.T) {
	results := []*models.CollaboratorResult{
		result("a", 0, 0, models.ModelVector{"w": {100}}),
		result("b", 2, 0, models.ModelVector{"w": {4}}),
	}

	params, err := WeightedAverageAggregator{}.Aggregate(results)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, params["w"][0], 1e-9)
}

func TestAggregateErrors(t *testing.T) {
	_, err := WeightedAverageAggregator{}.Aggregate(nil)
	assert.Error(t, err)

	_, err = WeightedAverageAggregator{}.Aggregate([]*models.CollaboratorResult{
		result("a", 0, 0, models.ModelVector{"w": {1}}),
	})
	assert.Error(t, err)
}

func TestAggregateRejectsMismatchedShapes(t *testing.T) {
	results := []*models.CollaboratorResult{
		result("a", 1, 0, models.ModelVector{"w": {1, 2, 3}}),
		result("b", 1, 0, models.ModelVector{"w": {4, 5}}),
	}

	// A malformed update must fail the aggregation, not silently truncate.
	_, err := WeightedAverageAggregator{}.Aggregate(results)
	assert.ErrorContains(t, err, "mismatched lengths")
}

func TestNewAggregatorFallsBackToWeightedAverage(t *testing.T) {
	assert.Equal(t, AggregationMean, NewAggregator(AggregationMean).Name())
	assert.Equal(t, AggregationWeightedAverage, NewAggregator("").Name())
	assert.Equal(t, AggregationWeightedAverage, NewAggregator("median-of-means").Name())
}

func TestRoundMetrics(t *testing.T) {
	results := []*models.CollaboratorResult{
		result("a", 1, 0.4, models.ModelVector{"w": {1}}),
		result("b", 1, 0.6, models.ModelVector{"w": {1}}),
	}
	results[0].Accuracy = 0.9
	results[1].Accuracy = 0.7

	metrics := roundMetrics(results)
	require.NotNil(t, metrics)
	assert.InDelta(t, 0.5, metrics.AverageLoss, 1e-9)
	assert.InDelta(t, 0.8, metrics.AverageAccuracy, 1e-9)
	// Sample variance of {0.4, 0.6} is 0.02.
	assert.InDelta(t, 0.02, metrics.LossVariance, 1e-9)
	assert.Equal(t, 2, metrics.ResponderCount)

	assert.Nil(t, roundMetrics(nil))
}
