package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/ports"
	"github.com/fedstack/federation-server/pkg/logger"
)

// roundLedger is the hot bookkeeping for one open round: the expected
// responder set recorded at round start and the results accepted so far.
// Access goes through the service mutex; the at-most-once invariant is
// enforced inside that critical section.
type roundLedger struct {
	round    *models.FederationRound
	expected map[string]models.CollaboratorIdentity
	results  map[string]*models.CollaboratorResult
	closed   bool
}

func (l *roundLedger) quorumMet(fraction float64) bool {
	return float64(len(l.results)) >= fraction*float64(len(l.expected))
}

// AggregationService collects collaborator results and closes rounds.
// SubmitResult is safe under concurrent calls from different collaborator
// connections; duplicate or unassigned submissions are rejected without
// touching the ledger.
type AggregationService struct {
	roundRepo       ports.RoundRepository
	participantRepo ports.ParticipantRepository

	mu      sync.Mutex
	ledgers map[uuid.UUID]*roundLedger
}

func NewAggregationService(roundRepo ports.RoundRepository, participantRepo ports.ParticipantRepository) *AggregationService {
	return &AggregationService{
		roundRepo:       roundRepo,
		participantRepo: participantRepo,
		ledgers:         make(map[uuid.UUID]*roundLedger),
	}
}

// OpenRound installs the ledger for a newly opened round. Any previous
// ledger for the run is discarded; late results against it are stale by
// definition.
func (s *AggregationService) OpenRound(round *models.FederationRound, expected []models.CollaboratorIdentity) {
	ledger := &roundLedger{
		round:    round,
		expected: make(map[string]models.CollaboratorIdentity, len(expected)),
		results:  make(map[string]*models.CollaboratorResult, len(expected)),
	}
	for _, identity := range expected {
		ledger.expected[identity.Fingerprint] = identity
	}

	s.mu.Lock()
	s.ledgers[round.RunID] = ledger
	s.mu.Unlock()
}

// OpenRoundInfo reports the open round and whether the identity is an
// expected responder that has not reported yet. Used to serve task pulls.
func (s *AggregationService) OpenRoundInfo(runID uuid.UUID, fingerprint string) (*models.FederationRound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[runID]
	if !ok || ledger.closed {
		return nil, false
	}
	if _, expected := ledger.expected[fingerprint]; !expected {
		return ledger.round, false
	}
	if _, reported := ledger.results[fingerprint]; reported {
		return ledger.round, false
	}
	return ledger.round, true
}

// SubmitResult accepts one collaborator's contribution. At most one result
// per (round, identity) is ever accepted; retransmissions surface
// ErrDuplicateSubmission and leave the ledger untouched.
func (s *AggregationService) SubmitResult(ctx context.Context, result *models.CollaboratorResult) error {
	log := logger.WithComponent("aggregation_service").With().
		Str("run_id", result.RunID.String()).
		Int("round_number", result.RoundNumber).
		Str("fingerprint", result.Fingerprint).
		Logger()

	s.mu.Lock()
	ledger, ok := s.ledgers[result.RunID]
	if !ok || ledger.closed || ledger.round.RoundNumber != result.RoundNumber {
		s.mu.Unlock()
		return ErrStaleRound
	}
	identity, expected := ledger.expected[result.Fingerprint]
	if !expected {
		s.mu.Unlock()
		return ErrUnassignedCollaborator
	}
	if _, reported := ledger.results[result.Fingerprint]; reported {
		s.mu.Unlock()
		return ErrDuplicateSubmission
	}
	result.ReceivedAt = time.Now()
	ledger.results[result.Fingerprint] = result
	roundID := ledger.round.ID
	reported, total := len(ledger.results), len(ledger.expected)
	s.mu.Unlock()

	log.Info().
		Str("collaborator", identity.Name).
		Int("reported", reported).
		Int("expected", total).
		Msg("Result accepted")

	// Persistence is outside the critical section; the ledger already
	// guarantees at-most-once.
	participant, err := s.participantRepo.GetByRoundAndFingerprint(ctx, roundID, result.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to load responder record: %w", err)
	}

	now := time.Now()
	participant.Status = models.ParticipantStatusCompleted
	participant.Update = result.Update
	participant.Weight = result.Weight
	participant.Loss = result.Loss
	participant.Accuracy = result.Accuracy
	participant.UpdatedAt = now
	participant.CompletedAt = &now

	if err := s.participantRepo.Update(ctx, participant); err != nil {
		return fmt.Errorf("failed to persist responder result: %w", err)
	}

	return nil
}

// AllReported reports whether every expected responder of the open round
// has been accepted.
func (s *AggregationService) AllReported(runID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[runID]
	if !ok || ledger.closed {
		return false
	}
	return len(ledger.results) == len(ledger.expected)
}

// DeadlineExpired reports whether the open round's deadline has elapsed.
func (s *AggregationService) DeadlineExpired(runID uuid.UUID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[runID]
	if !ok || ledger.closed {
		return false
	}
	return now.After(ledger.round.Deadline)
}

// RoundToClose reports the open round's ID when it is ready to close:
// every expected responder reported, or the deadline has passed. The ID and
// the close condition are read under one lock so a closer never acts on a
// round it did not observe.
func (s *AggregationService) RoundToClose(runID uuid.UUID, now time.Time) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[runID]
	if !ok || ledger.closed {
		return uuid.Nil, false
	}
	if len(ledger.results) == len(ledger.expected) || now.After(ledger.round.Deadline) {
		return ledger.round.ID, true
	}
	return uuid.Nil, false
}

// CloseRound seals the open round and produces the next global model state.
// roundID must identify the currently open round; if it has since been
// sealed and replaced the call is stale and the new round is untouched. The
// ledger is closed whatever the outcome, so results arriving afterwards are
// rejected as stale; on ErrQuorumNotMet the caller decides between abort,
// retry and proceed-with-partial (allowPartial short-circuits the quorum
// check for the proceed policy).
func (s *AggregationService) CloseRound(
	ctx context.Context,
	runID uuid.UUID,
	roundID uuid.UUID,
	aggregator ports.Aggregator,
	quorumFraction float64,
	allowPartial bool,
) (*models.GlobalModelState, *models.RunMetrics, error) {
	log := logger.WithComponent("aggregation_service").With().
		Str("run_id", runID.String()).
		Logger()

	s.mu.Lock()
	ledger, ok := s.ledgers[runID]
	if !ok || ledger.closed || ledger.round.ID != roundID {
		s.mu.Unlock()
		return nil, nil, ErrStaleRound
	}
	ledger.closed = true

	round := ledger.round
	results := make([]*models.CollaboratorResult, 0, len(ledger.results))
	for _, r := range ledger.results {
		results = append(results, r)
	}
	quorum := allowPartial && len(results) > 0 || ledger.quorumMet(quorumFraction)
	reported, total := len(ledger.results), len(ledger.expected)
	s.mu.Unlock()

	round.UpdatedAt = time.Now()

	if !quorum {
		round.Status = models.RoundStatusFailed
		if err := s.roundRepo.Update(ctx, round); err != nil {
			log.Error().Err(err).Msg("Failed to persist failed round")
		}
		log.Warn().
			Int("reported", reported).
			Int("expected", total).
			Float64("quorum_fraction", quorumFraction).
			Msg("Round closed below quorum")
		return nil, nil, ErrQuorumNotMet
	}

	round.Status = models.RoundStatusAggregating
	if err := s.roundRepo.Update(ctx, round); err != nil {
		return nil, nil, fmt.Errorf("failed to update round status: %w", err)
	}

	params, err := aggregator.Aggregate(results)
	if err != nil {
		round.Status = models.RoundStatusFailed
		if updateErr := s.roundRepo.Update(ctx, round); updateErr != nil {
			log.Error().Err(updateErr).Msg("Failed to persist failed round")
		}
		return nil, nil, fmt.Errorf("aggregation failed: %w", err)
	}

	metrics := roundMetrics(results)

	state := &models.GlobalModelState{
		RunID:       runID,
		Version:     round.RoundNumber,
		Params:      params,
		Metrics:     metrics,
		PublishedAt: time.Now(),
	}

	now := time.Now()
	round.Status = models.RoundStatusCompleted
	round.Metrics = metrics
	round.UpdatedAt = now
	round.CompletedAt = &now
	if err := s.roundRepo.Update(ctx, round); err != nil {
		return nil, nil, fmt.Errorf("failed to persist completed round: %w", err)
	}

	log.Info().
		Int("round_number", round.RoundNumber).
		Int("responders", reported).
		Str("method", aggregator.Name()).
		Msg("Round aggregated")

	return state, metrics, nil
}

// DiscardRound drops the open ledger without aggregating. Used when the run
// aborts.
func (s *AggregationService) DiscardRound(runID uuid.UUID) {
	s.mu.Lock()
	if ledger, ok := s.ledgers[runID]; ok {
		ledger.closed = true
	}
	delete(s.ledgers, runID)
	s.mu.Unlock()
}

// RestoreRound rebuilds the ledger of a collecting round from persisted
// participants, so an aggregator restart does not lose an in-flight round.
func (s *AggregationService) RestoreRound(ctx context.Context, round *models.FederationRound) error {
	participants, err := s.participantRepo.GetByRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("failed to load round responders: %w", err)
	}

	ledger := &roundLedger{
		round:    round,
		expected: make(map[string]models.CollaboratorIdentity, len(participants)),
		results:  make(map[string]*models.CollaboratorResult),
	}
	for _, p := range participants {
		ledger.expected[p.Fingerprint] = models.CollaboratorIdentity{Fingerprint: p.Fingerprint, Name: p.Name}
		if p.Status == models.ParticipantStatusCompleted {
			ledger.results[p.Fingerprint] = &models.CollaboratorResult{
				RunID:       round.RunID,
				RoundNumber: round.RoundNumber,
				Fingerprint: p.Fingerprint,
				Update:      p.Update,
				Weight:      p.Weight,
				Loss:        p.Loss,
				Accuracy:    p.Accuracy,
				ReceivedAt:  p.UpdatedAt,
			}
		}
	}

	s.mu.Lock()
	s.ledgers[round.RunID] = ledger
	s.mu.Unlock()

	return nil
}

// MarshalState serializes a global model state for storage on the run row.
func MarshalState(state *models.GlobalModelState) (json.RawMessage, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal global model state: %w", err)
	}
	return data, nil
}
