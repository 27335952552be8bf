package models

import (
	"time"

	"github.com/google/uuid"

	coremodels "github.com/fedstack/federation-server/internal/core/models"
)

type RegisterCollaboratorRequest struct {
	Name  string `json:"name"`
	RunID string `json:"run_id,omitempty"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type CreateRunRequest struct {
	Name              string                 `json:"name" binding:"required"`
	Description       string                 `json:"description"`
	TotalRounds       int                    `json:"total_rounds"`
	QuorumFraction    float64                `json:"quorum_fraction"`
	QuorumPolicy      string                 `json:"quorum_policy"`
	AggregationMethod string                 `json:"aggregation_method"`
	RoundDeadline     int                    `json:"round_deadline_seconds"`
	SamplingFraction  float64                `json:"sampling_fraction"`
	SamplingSeed      int64                  `json:"sampling_seed"`
	TaskDescriptor    string                 `json:"task_descriptor"`
	InitialModel      coremodels.ModelVector `json:"initial_model"`
}

type SubmitResultRequest struct {
	RoundNumber int                    `json:"round_number" binding:"required"`
	Update      coremodels.ModelVector `json:"update" binding:"required"`
	Weight      float64                `json:"weight"`
	Loss        float64                `json:"loss"`
	Accuracy    float64                `json:"accuracy"`
}

// ToResult builds the domain-level contribution. An omitted weight defaults
// to 1 so unweighted collaborators still count equally.
func (r SubmitResultRequest) ToResult(runID uuid.UUID, fingerprint string, receivedAt time.Time) *coremodels.CollaboratorResult {
	weight := r.Weight
	if weight <= 0 {
		weight = 1
	}
	return &coremodels.CollaboratorResult{
		RunID:       runID,
		RoundNumber: r.RoundNumber,
		Fingerprint: fingerprint,
		Update:      r.Update,
		Weight:      weight,
		Loss:        r.Loss,
		Accuracy:    r.Accuracy,
		ReceivedAt:  receivedAt,
	}
}

type RunResponse struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Status         string               `json:"status"`
	CurrentRound   int                  `json:"current_round"`
	TotalRounds    int                  `json:"total_rounds"`
	ModelVersion   int                  `json:"model_version"`
	QuorumFraction float64              `json:"quorum_fraction"`
	Config         coremodels.RunConfig `json:"config"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

type RoundResponse struct {
	ID           string                 `json:"id"`
	RunID        string                 `json:"run_id"`
	RoundNumber  int                    `json:"round_number"`
	Attempt      int                    `json:"attempt"`
	Status       string                 `json:"status"`
	ModelVersion int                    `json:"model_version"`
	Deadline     time.Time              `json:"deadline"`
	Metrics      *coremodels.RunMetrics `json:"metrics,omitempty"`
	Participants []ParticipantResponse  `json:"participants"`
}

type ParticipantResponse struct {
	Fingerprint string     `json:"fingerprint"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Weight      float64    `json:"weight"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GlobalStateChunk is one frame of a streamed global model download. The
// stream opens with a header frame (version, published_at, metrics), carries
// one frame per parameter group, and ends with a frame where Final is set.
type GlobalStateChunk struct {
	RunID       string                 `json:"run_id,omitempty"`
	Version     int                    `json:"version"`
	PublishedAt *time.Time             `json:"published_at,omitempty"`
	Metrics     *coremodels.RunMetrics `json:"metrics,omitempty"`
	Group       string                 `json:"group,omitempty"`
	Values      []float64              `json:"values,omitempty"`
	Final       bool                   `json:"final,omitempty"`
}
