package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedstack/federation-server/internal/core/models"
)

func testRun(deadlineSeconds int) *models.FederationRun {
	return models.NewFederationRun("study", "", 3, 1.0, models.RunConfig{
		AggregationMethod: AggregationWeightedAverage,
		QuorumPolicy:      models.QuorumPolicyAbort,
		RoundDeadline:     deadlineSeconds,
		SamplingFraction:  1.0,
		TaskDescriptor:    "train locally",
	})
}

func TestBeginRoundRecordsResponderSetBeforeReturning(t *testing.T) {
	roundRepo := newFakeRoundRepo()
	participantRepo := newFakeParticipantRepo()
	svc := NewAssignmentService(roundRepo, participantRepo)

	run := testRun(600)
	candidates := identities(3)

	round, assignments, err := svc.BeginRound(context.Background(), run, 1, 1, candidates, SelectAll{})
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	// Every assignment handed out must already have a persisted responder
	// record; acceptance is gated on that set, not on who shows up.
	participants, err := participantRepo.GetByRound(context.Background(), round.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 3)
	for _, p := range participants {
		assert.Equal(t, models.ParticipantStatusAssigned, p.Status)
	}

	for _, a := range assignments {
		assert.Equal(t, run.ID, a.RunID)
		assert.Equal(t, round.ID, a.RoundID)
		assert.Equal(t, 1, a.RoundNumber)
		assert.Equal(t, run.ModelVersion, a.ModelVersion)
		assert.Equal(t, "train locally", a.TaskDescriptor)
		assert.Equal(t, round.Deadline, a.Deadline)
	}
}

func TestBeginRoundDeadlineFromConfig(t *testing.T) {
	svc := NewAssignmentService(newFakeRoundRepo(), newFakeParticipantRepo())

	run := testRun(300)
	before := time.Now()
	round, _, err := svc.BeginRound(context.Background(), run, 1, 1, identities(1), SelectAll{})
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(300*time.Second), round.Deadline, 2*time.Second)
	assert.Equal(t, models.RoundStatusCollecting, round.Status)
}

func TestBeginRoundNoEligibleCollaborators(t *testing.T) {
	svc := NewAssignmentService(newFakeRoundRepo(), newFakeParticipantRepo())

	_, _, err := svc.BeginRound(context.Background(), testRun(600), 1, 1, nil, SelectAll{})
	assert.ErrorIs(t, err, ErrNoEligibleCollaborators)
}

func TestBeginRoundRetryAttemptRecorded(t *testing.T) {
	roundRepo := newFakeRoundRepo()
	svc := NewAssignmentService(roundRepo, newFakeParticipantRepo())
	run := testRun(600)

	_, _, err := svc.BeginRound(context.Background(), run, 2, 1, identities(2), SelectAll{})
	require.NoError(t, err)
	_, _, err = svc.BeginRound(context.Background(), run, 2, 2, identities(2), SelectAll{})
	require.NoError(t, err)

	latest, err := roundRepo.GetByRunAndNumber(context.Background(), run.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Attempt)
}

func TestBeginRoundAppliesSelectionPolicy(t *testing.T) {
	participantRepo := newFakeParticipantRepo()
	svc := NewAssignmentService(newFakeRoundRepo(), participantRepo)
	run := testRun(600)

	round, assignments, err := svc.BeginRound(context.Background(), run, 1, 1, identities(10), FractionSampler{Fraction: 0.5, Seed: 1})
	require.NoError(t, err)
	assert.Len(t, assignments, 5)

	participants, err := participantRepo.GetByRound(context.Background(), round.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 5)
}
