package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/fedstack/federation-server/internal/core/models"
)

type RunRepository interface {
	Create(ctx context.Context, run *models.FederationRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FederationRun, error)
	GetAll(ctx context.Context) ([]*models.FederationRun, error)
	GetByStatus(ctx context.Context, status models.RunStatus) ([]*models.FederationRun, error)
	Update(ctx context.Context, run *models.FederationRun) error
	AddCollaborator(ctx context.Context, runID uuid.UUID, fingerprint string) error
	GetCollaborators(ctx context.Context, runID uuid.UUID) ([]string, error)
}

type RoundRepository interface {
	Create(ctx context.Context, round *models.FederationRound) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FederationRound, error)
	GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.FederationRound, error)
	GetByRunAndNumber(ctx context.Context, runID uuid.UUID, roundNumber int) (*models.FederationRound, error)
	Update(ctx context.Context, round *models.FederationRound) error
}

type ParticipantRepository interface {
	Create(ctx context.Context, participant *models.RoundParticipant) error
	GetByRound(ctx context.Context, roundID uuid.UUID) ([]*models.RoundParticipant, error)
	GetByRoundAndFingerprint(ctx context.Context, roundID uuid.UUID, fingerprint string) (*models.RoundParticipant, error)
	Update(ctx context.Context, participant *models.RoundParticipant) error
	CountByStatus(ctx context.Context, roundID uuid.UUID, status models.ParticipantStatus) (int, error)
}

type CollaboratorRepository interface {
	CreateOrUpdate(ctx context.Context, collaborator *models.Collaborator) (*models.Collaborator, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.Collaborator, error)
	GetByStatus(ctx context.Context, status models.CollaboratorStatus) ([]*models.Collaborator, error)
	Update(ctx context.Context, collaborator *models.Collaborator) error
	MarkOfflineSince(ctx context.Context, timeout int64) (int64, []string, error)
}
