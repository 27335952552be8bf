package services

import (
	"fmt"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
)

const (
	AggregationWeightedAverage = "weighted_average"
	AggregationMean            = "mean"
)

// WeightedAverageAggregator implements federated averaging: the
// coordinate-wise combination sum(w_i * p_i) / sum(w_i) over the accepted
// results. Commutative, so submission order is irrelevant.
type WeightedAverageAggregator struct{}

func (WeightedAverageAggregator) Name() string { return AggregationWeightedAverage }

func (WeightedAverageAggregator) Aggregate(results []*models.CollaboratorResult) (models.ModelVector, error) {
	return combine(results, func(r *models.CollaboratorResult) float64 { return r.Weight })
}

// MeanAggregator ignores declared weights and averages uniformly.
type MeanAggregator struct{}

func (MeanAggregator) Name() string { return AggregationMean }

func (MeanAggregator) Aggregate(results []*models.CollaboratorResult) (models.ModelVector, error) {
	return combine(results, func(*models.CollaboratorResult) float64 { return 1 })
}

func combine(results []*models.CollaboratorResult, weightOf func(*models.CollaboratorResult) float64) (models.ModelVector, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no results to aggregate")
	}

	combined := make(models.ModelVector)
	totalWeight := 0.0

	for _, result := range results {
		weight := weightOf(result)
		if weight <= 0 {
			continue
		}
		totalWeight += weight

		for name, values := range result.Update {
			acc, exists := combined[name]
			if !exists {
				acc = make([]float64, len(values))
				combined[name] = acc
			}
			if len(values) != len(acc) {
				return nil, fmt.Errorf("parameter group %q has mismatched lengths: %d and %d", name, len(acc), len(values))
			}
			for i, v := range values {
				acc[i] += v * weight
			}
		}
	}

	if totalWeight == 0 {
		return nil, fmt.Errorf("total weight is zero")
	}

	for name := range combined {
		for i := range combined[name] {
			combined[name][i] /= totalWeight
		}
	}

	return combined, nil
}

// NewAggregator resolves a configured aggregation method. Unknown methods
// fall back to weighted averaging.
func NewAggregator(method string) ports.Aggregator {
	switch method {
	case AggregationMean:
		return MeanAggregator{}
	default:
		return WeightedAverageAggregator{}
	}
}

// roundMetrics summarizes the accepted results with the same weighting the
// aggregation used.
func roundMetrics(results []*models.CollaboratorResult) *models.RunMetrics {
	if len(results) == 0 {
		return nil
	}

	totalWeight := 0.0
	weightedLoss := 0.0
	weightedAccuracy := 0.0
	for _, r := range results {
		w := r.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
		weightedLoss += r.Loss * w
		weightedAccuracy += r.Accuracy * w
	}

	avgLoss := weightedLoss / totalWeight
	avgAccuracy := weightedAccuracy / totalWeight

	variance := 0.0
	if len(results) > 1 {
		sumSquaredDiff := 0.0
		for _, r := range results {
			diff := r.Loss - avgLoss
			sumSquaredDiff += diff * diff
		}
		variance = sumSquaredDiff / float64(len(results)-1)
	}

	return &models.RunMetrics{
		AverageLoss:     avgLoss,
		AverageAccuracy: avgAccuracy,
		LossVariance:    variance,
		ResponderCount:  len(results),
	}
}
