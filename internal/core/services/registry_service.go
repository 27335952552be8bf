package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/pkg/logger"
)

// RegistryService tracks admitted collaborators and their liveness. A
// collaborator that stops heartbeating is marked offline and skipped by
// round selection; it is never removed from runs it already joined.
type RegistryService struct {
	repo             ports.CollaboratorRepository
	heartbeatTimeout time.Duration
}

func NewRegistryService(repo ports.CollaboratorRepository) *RegistryService {
	return &RegistryService{
		repo:             repo,
		heartbeatTimeout: 2 * time.Minute,
	}
}

func (s *RegistryService) SetHeartbeatTimeout(timeout time.Duration) {
	s.heartbeatTimeout = timeout
}

// Admit registers a verified identity, or refreshes it if already known.
func (s *RegistryService) Admit(ctx context.Context, identity models.CollaboratorIdentity) (*models.Collaborator, error) {
	log := logger.WithComponent("registry_service")

	collaborator := &models.Collaborator{
		Fingerprint:   identity.Fingerprint,
		Name:          identity.Name,
		Status:        models.CollaboratorStatusOnline,
		LastHeartbeat: time.Now(),
	}

	admitted, err := s.repo.CreateOrUpdate(ctx, collaborator)
	if err != nil {
		return nil, fmt.Errorf("failed to admit collaborator: %w", err)
	}

	log.Info().
		Str("fingerprint", identity.Fingerprint).
		Str("name", identity.Name).
		Msg("Collaborator admitted")

	return admitted, nil
}

func (s *RegistryService) Heartbeat(ctx context.Context, identity models.CollaboratorIdentity) error {
	collaborator, err := s.repo.GetByFingerprint(ctx, identity.Fingerprint)
	if err != nil {
		return ErrCollaboratorNotFound
	}

	collaborator.Status = models.CollaboratorStatusOnline
	collaborator.LastHeartbeat = time.Now()

	if err := s.repo.Update(ctx, collaborator); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return nil
}

func (s *RegistryService) Get(ctx context.Context, fingerprint string) (*models.Collaborator, error) {
	collaborator, err := s.repo.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, ErrCollaboratorNotFound
	}
	return collaborator, nil
}

// OnlineIdentities returns the identities currently considered live.
func (s *RegistryService) OnlineIdentities(ctx context.Context) ([]models.CollaboratorIdentity, error) {
	online, err := s.repo.GetByStatus(ctx, models.CollaboratorStatusOnline)
	if err != nil {
		return nil, fmt.Errorf("failed to list online collaborators: %w", err)
	}

	identities := make([]models.CollaboratorIdentity, 0, len(online))
	for _, c := range online {
		identities = append(identities, c.Identity())
	}
	return identities, nil
}

// MarkSilentOffline transitions collaborators whose last heartbeat is older
// than the timeout. Called periodically by the sweeper.
func (s *RegistryService) MarkSilentOffline(ctx context.Context) error {
	log := logger.WithComponent("registry_service")

	count, fingerprints, err := s.repo.MarkOfflineSince(ctx, int64(s.heartbeatTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to mark silent collaborators offline: %w", err)
	}

	if count > 0 {
		log.Warn().
			Int64("count", count).
			Strs("fingerprints", fingerprints).
			Msg("Collaborators marked offline after heartbeat timeout")
	}

	return nil
}
