package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/pkg/logger"
)

// AssignmentService opens rounds: it evaluates the selection policy once,
// records the expected-responder set, and only then materializes the task
// assignments. A collaborator admitted after the set is recorded waits for
// the next round.
type AssignmentService struct {
	roundRepo       ports.RoundRepository
	participantRepo ports.ParticipantRepository
}

func NewAssignmentService(roundRepo ports.RoundRepository, participantRepo ports.ParticipantRepository) *AssignmentService {
	return &AssignmentService{
		roundRepo:       roundRepo,
		participantRepo: participantRepo,
	}
}

func (s *AssignmentService) BeginRound(
	ctx context.Context,
	run *models.FederationRun,
	roundNumber, attempt int,
	candidates []models.CollaboratorIdentity,
	policy ports.SelectionPolicy,
) (*models.FederationRound, []models.TaskAssignment, error) {
	log := logger.WithComponent("assignment_service").With().
		Str("run_id", run.ID.String()).
		Int("round_number", roundNumber).
		Logger()

	selected := policy.Select(roundNumber, candidates)
	if len(selected) == 0 {
		log.Warn().Int("candidates", len(candidates)).Msg("Selection produced no responders")
		return nil, nil, ErrNoEligibleCollaborators
	}

	deadline := time.Now().Add(time.Duration(run.Config.RoundDeadline) * time.Second)
	round := models.NewFederationRound(run.ID, roundNumber, attempt, run.ModelVersion, deadline)

	if err := s.roundRepo.Create(ctx, round); err != nil {
		return nil, nil, fmt.Errorf("failed to create round: %w", err)
	}

	assignments := make([]models.TaskAssignment, 0, len(selected))
	for _, identity := range selected {
		participant := models.NewRoundParticipant(round.ID, identity)
		if err := s.participantRepo.Create(ctx, participant); err != nil {
			return nil, nil, fmt.Errorf("failed to record responder %s: %w", identity.Name, err)
		}

		assignments = append(assignments, models.TaskAssignment{
			RunID:          run.ID,
			RoundID:        round.ID,
			RoundNumber:    roundNumber,
			Collaborator:   identity.Fingerprint,
			TaskDescriptor: run.Config.TaskDescriptor,
			ModelVersion:   run.ModelVersion,
			Deadline:       deadline,
		})
	}

	log.Info().
		Int("selected", len(selected)).
		Int("candidates", len(candidates)).
		Int("attempt", attempt).
		Time("deadline", deadline).
		Msg("Round opened")

	return round, assignments, nil
}
