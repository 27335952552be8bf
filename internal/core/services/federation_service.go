package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fedstack/federation-server/internal/core/config"
	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/pkg/logger"
)

// FederationService drives a run through its lifecycle:
//
//	initializing -> active (rounds collecting/aggregating) -> completed | aborted
//
// It is the single writer of round state and of the published global model;
// readers get copy-on-publish snapshots through an atomic pointer and never
// observe a partially built state.
type FederationService struct {
	runRepo         ports.RunRepository
	roundRepo       ports.RoundRepository
	participantRepo ports.ParticipantRepository
	registry        *RegistryService
	assignment      *AssignmentService
	aggregation     *AggregationService
	checkpoints     ports.CheckpointStore
	defaults        config.FederationConfig

	// mu serializes state transitions; it is never held while a
	// collaborator trains or while serving reads.
	mu sync.Mutex

	statesMu sync.RWMutex
	states   map[uuid.UUID]*atomic.Pointer[models.GlobalModelState]
}

func NewFederationService(
	runRepo ports.RunRepository,
	roundRepo ports.RoundRepository,
	participantRepo ports.ParticipantRepository,
	registry *RegistryService,
	assignment *AssignmentService,
	aggregation *AggregationService,
	defaults config.FederationConfig,
) *FederationService {
	return &FederationService{
		runRepo:         runRepo,
		roundRepo:       roundRepo,
		participantRepo: participantRepo,
		registry:        registry,
		assignment:      assignment,
		aggregation:     aggregation,
		defaults:        defaults,
		states:          make(map[uuid.UUID]*atomic.Pointer[models.GlobalModelState]),
	}
}

// SetCheckpointStore enables retention of superseded model versions.
func (s *FederationService) SetCheckpointStore(store ports.CheckpointStore) {
	s.checkpoints = store
}

func (s *FederationService) CreateRun(ctx context.Context, name, description string, totalRounds int, quorumFraction float64, cfg models.RunConfig, initialModel models.ModelVector) (*models.FederationRun, error) {
	log := logger.WithComponent("federation_service")

	if totalRounds <= 0 {
		totalRounds = s.defaults.TotalRounds
	}
	if quorumFraction <= 0 || quorumFraction > 1 {
		quorumFraction = s.defaults.QuorumFraction
	}
	if cfg.QuorumPolicy == "" {
		cfg.QuorumPolicy = models.QuorumPolicy(s.defaults.QuorumPolicy)
	}
	if cfg.RoundDeadline <= 0 {
		cfg.RoundDeadline = s.defaults.RoundDeadlineSeconds
	}
	if cfg.SamplingFraction <= 0 || cfg.SamplingFraction > 1 {
		cfg.SamplingFraction = s.defaults.SamplingFraction
	}
	if cfg.SamplingSeed == 0 {
		cfg.SamplingSeed = s.defaults.SamplingSeed
	}
	if cfg.AggregationMethod == "" {
		cfg.AggregationMethod = s.defaults.AggregationMethod
	}

	run := models.NewFederationRun(name, description, totalRounds, quorumFraction, cfg)

	initial := &models.GlobalModelState{
		RunID:       run.ID,
		Version:     0,
		Params:      initialModel.Clone(),
		PublishedAt: time.Now(),
	}
	data, err := MarshalState(initial)
	if err != nil {
		return nil, err
	}
	run.GlobalModel = data

	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	log.Info().
		Str("run_id", run.ID.String()).
		Str("name", run.Name).
		Int("total_rounds", run.TotalRounds).
		Float64("quorum_fraction", run.QuorumFraction).
		Str("quorum_policy", string(cfg.QuorumPolicy)).
		Msg("Created federation run")

	return run, nil
}

// AdmitCollaborator joins a verified identity to a run. Admission is
// rejected once the run reached a terminal state; joining mid-round only
// takes effect when the next round's responder set is recorded.
func (s *FederationService) AdmitCollaborator(ctx context.Context, runID uuid.UUID, identity models.CollaboratorIdentity) error {
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status == models.RunStatusCompleted || run.Status == models.RunStatusAborted {
		return ErrRunNotActive
	}

	if _, err := s.registry.Admit(ctx, identity); err != nil {
		return err
	}

	if err := s.runRepo.AddCollaborator(ctx, runID, identity.Fingerprint); err != nil {
		return fmt.Errorf("failed to join run: %w", err)
	}

	return nil
}

// StartRun publishes the initial global model state and opens round 1. It
// requires at least one admitted collaborator.
func (s *FederationService) StartRun(ctx context.Context, runID uuid.UUID) error {
	log := logger.WithComponent("federation_service").With().
		Str("run_id", runID.String()).
		Logger()

	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status != models.RunStatusInitializing {
		return fmt.Errorf("run must be initializing to start, is %s", run.Status)
	}

	members, err := s.runRepo.GetCollaborators(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list run collaborators: %w", err)
	}
	if len(members) == 0 {
		return ErrNoEligibleCollaborators
	}

	var initial models.GlobalModelState
	if err := json.Unmarshal(run.GlobalModel, &initial); err != nil {
		return fmt.Errorf("failed to decode initial model state: %w", err)
	}
	s.publishState(&initial)

	run.Status = models.RunStatusActive
	run.UpdatedAt = time.Now()
	if err := s.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to activate run: %w", err)
	}

	if err := s.beginRound(ctx, run, 1, 1); err != nil {
		return err
	}

	log.Info().Int("collaborators", len(members)).Msg("Run started")
	return nil
}

// beginRound opens the given round number against the current model version.
// Caller holds s.mu.
func (s *FederationService) beginRound(ctx context.Context, run *models.FederationRun, roundNumber, attempt int) error {
	candidates, err := s.roundCandidates(ctx, run.ID)
	if err != nil {
		return err
	}

	policy := NewSelectionPolicy(run.Config)
	round, _, err := s.assignment.BeginRound(ctx, run, roundNumber, attempt, candidates, policy)
	if err != nil {
		return err
	}

	participants, err := s.participantRepo.GetByRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("failed to load responder set: %w", err)
	}
	expected := make([]models.CollaboratorIdentity, 0, len(participants))
	for _, p := range participants {
		expected = append(expected, models.CollaboratorIdentity{Fingerprint: p.Fingerprint, Name: p.Name})
	}
	s.aggregation.OpenRound(round, expected)

	run.CurrentRound = roundNumber
	run.UpdatedAt = time.Now()
	if err := s.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to advance run round: %w", err)
	}

	return nil
}

// roundCandidates is the run membership restricted to currently live
// collaborators.
func (s *FederationService) roundCandidates(ctx context.Context, runID uuid.UUID) ([]models.CollaboratorIdentity, error) {
	members, err := s.runRepo.GetCollaborators(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run collaborators: %w", err)
	}
	memberSet := make(map[string]struct{}, len(members))
	for _, fp := range members {
		memberSet[fp] = struct{}{}
	}

	online, err := s.registry.OnlineIdentities(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.CollaboratorIdentity, 0, len(online))
	for _, identity := range online {
		if _, ok := memberSet[identity.Fingerprint]; ok {
			candidates = append(candidates, identity)
		}
	}
	return candidates, nil
}

// PullTask hands the open round's assignment to an expected responder that
// has not reported yet. Everyone else gets ErrNoTaskAvailable.
func (s *FederationService) PullTask(ctx context.Context, runID uuid.UUID, identity models.CollaboratorIdentity) (*models.TaskAssignment, error) {
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status != models.RunStatusActive {
		return nil, ErrNoTaskAvailable
	}

	round, eligible := s.aggregation.OpenRoundInfo(runID, identity.Fingerprint)
	if round == nil || !eligible {
		return nil, ErrNoTaskAvailable
	}

	participant, err := s.participantRepo.GetByRoundAndFingerprint(ctx, round.ID, identity.Fingerprint)
	if err == nil && participant.Status == models.ParticipantStatusAssigned {
		participant.Status = models.ParticipantStatusTraining
		participant.UpdatedAt = time.Now()
		if err := s.participantRepo.Update(ctx, participant); err != nil {
			log := logger.WithComponent("federation_service")
			log.Warn().Err(err).Msg("Failed to mark responder training")
		}
	}

	return &models.TaskAssignment{
		RunID:          runID,
		RoundID:        round.ID,
		RoundNumber:    round.RoundNumber,
		Collaborator:   identity.Fingerprint,
		TaskDescriptor: run.Config.TaskDescriptor,
		ModelVersion:   round.ModelVersion,
		Deadline:       round.Deadline,
	}, nil
}

// SubmitResult accepts a collaborator's contribution and closes the round
// once every expected responder has reported.
func (s *FederationService) SubmitResult(ctx context.Context, result *models.CollaboratorResult) error {
	if err := s.aggregation.SubmitResult(ctx, result); err != nil {
		return err
	}

	if !s.aggregation.AllReported(result.RunID) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read under the transition lock: a racing closer may have sealed
	// this round and opened the next one while we waited.
	roundID, closable := s.aggregation.RoundToClose(result.RunID, time.Now())
	if !closable {
		return nil
	}
	return s.closeRound(ctx, result.RunID, roundID)
}

// CheckDeadlines closes any active run whose open round passed its deadline.
// Invoked by the sweeper, independent of collaborator connections; in-flight
// remote computation is not cancelled, its late result is simply stale.
func (s *FederationService) CheckDeadlines(ctx context.Context) error {
	log := logger.WithComponent("federation_service")

	runs, err := s.runRepo.GetByStatus(ctx, models.RunStatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	now := time.Now()
	for _, run := range runs {
		if !s.aggregation.DeadlineExpired(run.ID, now) {
			continue
		}

		s.mu.Lock()
		// Re-read under the transition lock: the final in-time result may
		// have closed this round and opened the next while we waited.
		roundID, closable := s.aggregation.RoundToClose(run.ID, now)
		if !closable {
			s.mu.Unlock()
			continue
		}
		err := s.closeRound(ctx, run.ID, roundID)
		s.mu.Unlock()

		// Quorum failures are resolved by policy inside closeRound and
		// logged there; only unexpected failures surface here.
		if err != nil && !errors.Is(err, ErrStaleRound) && !errors.Is(err, ErrQuorumNotMet) {
			log.Error().Err(err).
				Str("run_id", run.ID.String()).
				Msg("Failed to close expired round")
		}
	}

	return nil
}

// closeRound seals the identified round and advances the state machine.
// Caller holds s.mu. roundID pins the round the caller observed; a closer
// that lost the race to a newly opened round gets ErrStaleRound instead of
// sealing a round it never looked at.
func (s *FederationService) closeRound(ctx context.Context, runID, roundID uuid.UUID) error {
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status != models.RunStatusActive {
		return ErrStaleRound
	}

	aggregator := NewAggregator(run.Config.AggregationMethod)
	allowPartial := run.Config.QuorumPolicy == models.QuorumPolicyProceed

	state, _, err := s.aggregation.CloseRound(ctx, runID, roundID, aggregator, run.QuorumFraction, allowPartial)
	if errors.Is(err, ErrQuorumNotMet) {
		return s.handleQuorumFailure(ctx, run)
	}
	if err != nil {
		return err
	}

	return s.publishAndAdvance(ctx, run, state)
}

func (s *FederationService) handleQuorumFailure(ctx context.Context, run *models.FederationRun) error {
	log := logger.WithComponent("federation_service").With().
		Str("run_id", run.ID.String()).
		Int("round_number", run.CurrentRound).
		Str("policy", string(run.Config.QuorumPolicy)).
		Logger()

	if run.Config.QuorumPolicy == models.QuorumPolicyRetry {
		log.Warn().Msg("Quorum not met, retrying round")

		round, err := s.roundRepo.GetByRunAndNumber(ctx, run.ID, run.CurrentRound)
		attempt := 2
		if err == nil {
			attempt = round.Attempt + 1
		}
		if err := s.beginRound(ctx, run, run.CurrentRound, attempt); err != nil {
			log.Error().Err(err).Msg("Failed to reopen round, aborting run")
			return s.abortRun(ctx, run)
		}
		return ErrQuorumNotMet
	}

	// Abort is the default; proceed-with-partial only reaches here when
	// nothing at all was reported, which cannot be aggregated either.
	log.Warn().Msg("Quorum not met, aborting run")
	if err := s.abortRun(ctx, run); err != nil {
		return err
	}
	return ErrQuorumNotMet
}

func (s *FederationService) abortRun(ctx context.Context, run *models.FederationRun) error {
	s.aggregation.DiscardRound(run.ID)

	now := time.Now()
	run.Status = models.RunStatusAborted
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := s.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to abort run: %w", err)
	}

	log := logger.WithComponent("federation_service")
	log.Warn().
		Str("run_id", run.ID.String()).
		Int("round_number", run.CurrentRound).
		Msg("Run aborted")

	return nil
}

// publishAndAdvance swaps in the new global model state and either opens the
// next round or completes the run. The old snapshot stays reachable only for
// readers that already loaded it; durable retention is the checkpoint
// store's job.
func (s *FederationService) publishAndAdvance(ctx context.Context, run *models.FederationRun, state *models.GlobalModelState) error {
	log := logger.WithComponent("federation_service").With().
		Str("run_id", run.ID.String()).
		Int("version", state.Version).
		Logger()

	data, err := MarshalState(state)
	if err != nil {
		return err
	}

	run.GlobalModel = data
	run.ModelVersion = state.Version
	run.UpdatedAt = time.Now()
	if err := s.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to persist new model state: %w", err)
	}

	s.publishState(state)
	log.Info().Msg("Published new global model state")

	if s.checkpoints != nil {
		if location, err := s.checkpoints.SaveCheckpoint(ctx, state); err != nil {
			log.Error().Err(err).Msg("Failed to checkpoint model state")
		} else {
			log.Info().Str("location", location).Msg("Model state checkpointed")
		}
	}

	if state.Version >= run.TotalRounds {
		return s.completeRun(ctx, run)
	}

	return s.beginRound(ctx, run, state.Version+1, 1)
}

func (s *FederationService) completeRun(ctx context.Context, run *models.FederationRun) error {
	s.aggregation.DiscardRound(run.ID)

	now := time.Now()
	run.Status = models.RunStatusCompleted
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := s.runRepo.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	log := logger.WithComponent("federation_service")
	log.Info().
		Str("run_id", run.ID.String()).
		Int("rounds", run.TotalRounds).
		Msg("Run completed")

	return nil
}

// publishState atomically swaps the reader-visible snapshot for the run.
func (s *FederationService) publishState(state *models.GlobalModelState) {
	s.statesMu.Lock()
	ptr, ok := s.states[state.RunID]
	if !ok {
		ptr = &atomic.Pointer[models.GlobalModelState]{}
		s.states[state.RunID] = ptr
	}
	s.statesMu.Unlock()

	ptr.Store(state)
}

// GetGlobalState serves the current snapshot without taking the transition
// lock; concurrent with any in-progress close.
func (s *FederationService) GetGlobalState(ctx context.Context, runID uuid.UUID) (*models.GlobalModelState, error) {
	s.statesMu.RLock()
	ptr, ok := s.states[runID]
	s.statesMu.RUnlock()

	if ok {
		if state := ptr.Load(); state != nil {
			return state, nil
		}
	}

	// Cold path: not in memory (e.g. freshly restarted aggregator).
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.GlobalModel == nil {
		return nil, fmt.Errorf("run has no published model state")
	}

	var state models.GlobalModelState
	if err := json.Unmarshal(run.GlobalModel, &state); err != nil {
		return nil, fmt.Errorf("failed to decode model state: %w", err)
	}
	s.publishState(&state)
	return &state, nil
}

func (s *FederationService) GetRun(ctx context.Context, runID uuid.UUID) (*models.FederationRun, error) {
	return s.runRepo.GetByID(ctx, runID)
}

func (s *FederationService) ListRuns(ctx context.Context) ([]*models.FederationRun, error) {
	return s.runRepo.GetAll(ctx)
}

func (s *FederationService) GetRound(ctx context.Context, runID uuid.UUID, roundNumber int) (*models.FederationRound, []*models.RoundParticipant, error) {
	round, err := s.roundRepo.GetByRunAndNumber(ctx, runID, roundNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get round: %w", err)
	}
	participants, err := s.participantRepo.GetByRound(ctx, round.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get round responders: %w", err)
	}
	return round, participants, nil
}

// Recover rebuilds in-memory state for active runs after a restart:
// published snapshots from the run rows, open ledgers from the persisted
// responder records.
func (s *FederationService) Recover(ctx context.Context) error {
	log := logger.WithComponent("federation_service")

	runs, err := s.runRepo.GetByStatus(ctx, models.RunStatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}

	for _, run := range runs {
		if run.GlobalModel != nil {
			var state models.GlobalModelState
			if err := json.Unmarshal(run.GlobalModel, &state); err != nil {
				log.Error().Err(err).Str("run_id", run.ID.String()).Msg("Failed to decode persisted model state")
				continue
			}
			s.publishState(&state)
		}

		round, err := s.roundRepo.GetByRunAndNumber(ctx, run.ID, run.CurrentRound)
		if err != nil || round.Status != models.RoundStatusCollecting {
			continue
		}
		if err := s.aggregation.RestoreRound(ctx, round); err != nil {
			log.Error().Err(err).Str("run_id", run.ID.String()).Msg("Failed to restore open round")
			continue
		}
		log.Info().
			Str("run_id", run.ID.String()).
			Int("round_number", round.RoundNumber).
			Msg("Restored open round")
	}

	return nil
}
