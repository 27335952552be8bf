package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/core/models"
)

// In-memory repositories so the state machine can be exercised without a
// database.

type fakeRunRepo struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*models.FederationRun
	members map[uuid.UUID][]string
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:    make(map[uuid.UUID]*models.FederationRun),
		members: make(map[uuid.UUID][]string),
	}
}

func (r *fakeRunRepo) Create(ctx context.Context, run *models.FederationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *fakeRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.FederationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *run
	return &copied, nil
}

func (r *fakeRunRepo) GetAll(ctx context.Context) ([]*models.FederationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.FederationRun, 0, len(r.runs))
	for _, run := range r.runs {
		copied := *run
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeRunRepo) GetByStatus(ctx context.Context, status models.RunStatus) ([]*models.FederationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.FederationRun
	for _, run := range r.runs {
		if run.Status == status {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeRunRepo) Update(ctx context.Context, run *models.FederationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *fakeRunRepo) AddCollaborator(ctx context.Context, runID uuid.UUID, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fp := range r.members[runID] {
		if fp == fingerprint {
			return nil
		}
	}
	r.members[runID] = append(r.members[runID], fingerprint)
	return nil
}

func (r *fakeRunRepo) GetCollaborators(ctx context.Context, runID uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.members[runID]))
	copy(out, r.members[runID])
	return out, nil
}

type fakeRoundRepo struct {
	mu     sync.Mutex
	rounds map[uuid.UUID]*models.FederationRound
}

func newFakeRoundRepo() *fakeRoundRepo {
	return &fakeRoundRepo{rounds: make(map[uuid.UUID]*models.FederationRound)}
}

func (r *fakeRoundRepo) Create(ctx context.Context, round *models.FederationRound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *round
	r.rounds[round.ID] = &copied
	return nil
}

func (r *fakeRoundRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.FederationRound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	round, ok := r.rounds[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *round
	return &copied, nil
}

func (r *fakeRoundRepo) GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.FederationRound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.FederationRound
	for _, round := range r.rounds {
		if round.RunID == runID {
			copied := *round
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeRoundRepo) GetByRunAndNumber(ctx context.Context, runID uuid.UUID, roundNumber int) (*models.FederationRound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.FederationRound
	for _, round := range r.rounds {
		if round.RunID != runID || round.RoundNumber != roundNumber {
			continue
		}
		if latest == nil || round.Attempt > latest.Attempt {
			latest = round
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *fakeRoundRepo) Update(ctx context.Context, round *models.FederationRound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *round
	r.rounds[round.ID] = &copied
	return nil
}

type fakeParticipantRepo struct {
	mu           sync.Mutex
	participants map[uuid.UUID]*models.RoundParticipant
}

func newFakeParticipantRepo() *fakeParticipantRepo {
	return &fakeParticipantRepo{participants: make(map[uuid.UUID]*models.RoundParticipant)}
}

func (r *fakeParticipantRepo) Create(ctx context.Context, participant *models.RoundParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *participant
	r.participants[participant.ID] = &copied
	return nil
}

func (r *fakeParticipantRepo) GetByRound(ctx context.Context, roundID uuid.UUID) ([]*models.RoundParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RoundParticipant
	for _, p := range r.participants {
		if p.RoundID == roundID {
			copied := *p
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeParticipantRepo) GetByRoundAndFingerprint(ctx context.Context, roundID uuid.UUID, fingerprint string) (*models.RoundParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.RoundID == roundID && p.Fingerprint == fingerprint {
			copied := *p
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeParticipantRepo) Update(ctx context.Context, participant *models.RoundParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *participant
	r.participants[participant.ID] = &copied
	return nil
}

func (r *fakeParticipantRepo) CountByStatus(ctx context.Context, roundID uuid.UUID, status models.ParticipantStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, p := range r.participants {
		if p.RoundID == roundID && p.Status == status {
			count++
		}
	}
	return count, nil
}

type fakeCollaboratorRepo struct {
	mu            sync.Mutex
	collaborators map[string]*models.Collaborator
	nextID        uint
}

func newFakeCollaboratorRepo() *fakeCollaboratorRepo {
	return &fakeCollaboratorRepo{collaborators: make(map[string]*models.Collaborator)}
}

func (r *fakeCollaboratorRepo) CreateOrUpdate(ctx context.Context, collaborator *models.Collaborator) (*models.Collaborator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.collaborators[collaborator.Fingerprint]
	if !ok {
		r.nextID++
		copied := *collaborator
		copied.ID = r.nextID
		r.collaborators[collaborator.Fingerprint] = &copied
		result := copied
		return &result, nil
	}
	existing.Name = collaborator.Name
	existing.Status = collaborator.Status
	existing.LastHeartbeat = collaborator.LastHeartbeat
	result := *existing
	return &result, nil
}

func (r *fakeCollaboratorRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Collaborator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collaborators[fingerprint]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *fakeCollaboratorRepo) GetByStatus(ctx context.Context, status models.CollaboratorStatus) ([]*models.Collaborator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Collaborator
	for _, c := range r.collaborators {
		if c.Status == status {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeCollaboratorRepo) Update(ctx context.Context, collaborator *models.Collaborator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *collaborator
	r.collaborators[collaborator.Fingerprint] = &copied
	return nil
}

func (r *fakeCollaboratorRepo) MarkOfflineSince(ctx context.Context, timeoutSeconds int64) (int64, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)
	var count int64
	var fingerprints []string
	for _, c := range r.collaborators {
		if c.Status == models.CollaboratorStatusOnline && c.LastHeartbeat.Before(cutoff) {
			c.Status = models.CollaboratorStatusOffline
			count++
			fingerprints = append(fingerprints, c.Fingerprint)
		}
	}
	return count, fingerprints, nil
}
