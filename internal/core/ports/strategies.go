package ports

import (
	"context"

	"github.com/fedstack/federation-server/internal/core/models"
)

// Aggregator combines the accepted results of a round into the next global
// parameter vector. Implementations must be order-independent: the state
// machine makes no guarantee about submission order.
type Aggregator interface {
	Name() string
	Aggregate(results []*models.CollaboratorResult) (models.ModelVector, error)
}

// SelectionPolicy picks the expected-responder set for a round out of the
// currently eligible collaborators. It is evaluated once per round and must
// be deterministic for a given (seed, round) so runs are reproducible.
type SelectionPolicy interface {
	Select(roundNumber int, candidates []models.CollaboratorIdentity) []models.CollaboratorIdentity
}

// TrainFunc is the externally supplied local computation callback invoked by
// the collaborator runtime. It returns the result payload and its declared
// weight (e.g. the local sample count). The runtime performs no training
// logic itself.
type TrainFunc func(ctx context.Context, task models.TaskAssignment, global models.ModelVector) (models.ModelVector, float64, error)

// CheckpointStore retains superseded global model versions when the operator
// enables checkpointing; otherwise old versions are dropped on publish.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, state *models.GlobalModelState) (string, error)
}
