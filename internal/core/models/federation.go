package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ModelVector is the payload exchanged between aggregator and collaborators:
// named parameter groups, each a flat slice of coordinates. The coordination
// core treats it as opaque apart from coordinate-wise linear combination.
type ModelVector map[string][]float64

// Clone returns a deep copy so published snapshots are never aliased by
// in-flight aggregation buffers.
func (v ModelVector) Clone() ModelVector {
	if v == nil {
		return nil
	}
	out := make(ModelVector, len(v))
	for name, vals := range v {
		cp := make([]float64, len(vals))
		copy(cp, vals)
		out[name] = cp
	}
	return out
}

// Value implements the driver.Valuer interface for GORM
func (v ModelVector) Value() (driver.Value, error) {
	return json.Marshal(v)
}

// Scan implements the sql.Scanner interface for GORM
func (v *ModelVector) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into ModelVector", value)
	}

	return json.Unmarshal(bytes, v)
}

// GlobalModelState is one published version of the shared model. Version 0 is
// the initial state established when the run starts; version N is the output
// of round N. Instances are immutable once published.
type GlobalModelState struct {
	RunID       uuid.UUID   `json:"run_id"`
	Version     int         `json:"version"`
	Params      ModelVector `json:"params"`
	Metrics     *RunMetrics `json:"metrics,omitempty"`
	PublishedAt time.Time   `json:"published_at"`
}

type RunMetrics struct {
	AverageLoss     float64 `json:"average_loss"`
	AverageAccuracy float64 `json:"average_accuracy"`
	LossVariance    float64 `json:"loss_variance"`
	ResponderCount  int     `json:"responder_count"`
}

// Value implements the driver.Valuer interface for GORM
func (m RunMetrics) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for GORM
func (m *RunMetrics) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into RunMetrics", value)
	}

	return json.Unmarshal(bytes, m)
}

type FederationRun struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Name           string          `json:"name" gorm:"type:varchar(255);not null"`
	Description    string          `json:"description" gorm:"type:text"`
	Status         RunStatus       `json:"status" gorm:"type:varchar(50)"`
	Config         RunConfig       `json:"config" gorm:"type:jsonb"`
	GlobalModel    json.RawMessage `json:"global_model" gorm:"type:jsonb"`
	ModelVersion   int             `json:"model_version" gorm:"default:0"`
	CurrentRound   int             `json:"current_round" gorm:"default:0"`
	TotalRounds    int             `json:"total_rounds" gorm:"not null"`
	QuorumFraction float64         `json:"quorum_fraction" gorm:"type:decimal(4,3);default:1.0"`
	CreatedAt      time.Time       `json:"created_at" gorm:"type:timestamp"`
	UpdatedAt      time.Time       `json:"updated_at" gorm:"type:timestamp"`
	CompletedAt    *time.Time      `json:"completed_at" gorm:"type:timestamp"`
}

// RunConfig captures the operator-facing knobs of one run. Defaults for
// unset fields come from the server configuration at creation time.
type RunConfig struct {
	AggregationMethod string       `json:"aggregation_method"`
	QuorumPolicy      QuorumPolicy `json:"quorum_policy"`
	RoundDeadline     int          `json:"round_deadline_seconds"`
	SamplingFraction  float64      `json:"sampling_fraction"`
	SamplingSeed      int64        `json:"sampling_seed"`
	TaskDescriptor    string       `json:"task_descriptor"`
}

// Value implements the driver.Valuer interface for GORM
func (c RunConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface for GORM
func (c *RunConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into RunConfig", value)
	}

	return json.Unmarshal(bytes, c)
}

type FederationRound struct {
	ID           uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	RunID        uuid.UUID   `json:"run_id" gorm:"type:uuid;not null"`
	RoundNumber  int         `json:"round_number" gorm:"not null"`
	Attempt      int         `json:"attempt" gorm:"default:1"`
	Status       RoundStatus `json:"status" gorm:"type:varchar(50)"`
	ModelVersion int         `json:"model_version" gorm:"default:0"`
	Metrics      *RunMetrics `json:"metrics" gorm:"type:jsonb"`
	Deadline     time.Time   `json:"deadline" gorm:"type:timestamp"`
	CreatedAt    time.Time   `json:"created_at" gorm:"type:timestamp"`
	UpdatedAt    time.Time   `json:"updated_at" gorm:"type:timestamp"`
	CompletedAt  *time.Time  `json:"completed_at" gorm:"type:timestamp"`
}

// RoundParticipant is one expected responder of a round: created when the
// round's responder set is recorded, updated when the collaborator pulls its
// assignment and again when its result is accepted.
type RoundParticipant struct {
	ID          uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	RoundID     uuid.UUID         `json:"round_id" gorm:"type:uuid;not null"`
	Fingerprint string            `json:"fingerprint" gorm:"type:varchar(64);not null"`
	Name        string            `json:"name" gorm:"type:varchar(255)"`
	Status      ParticipantStatus `json:"status" gorm:"type:varchar(50)"`
	Update      ModelVector       `json:"update" gorm:"type:jsonb"`
	Weight      float64           `json:"weight" gorm:"type:decimal(16,6);default:1.0"`
	Loss        float64           `json:"loss" gorm:"type:decimal(16,8);default:0"`
	Accuracy    float64           `json:"accuracy" gorm:"type:decimal(16,8);default:0"`
	CreatedAt   time.Time         `json:"created_at" gorm:"type:timestamp"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"type:timestamp"`
	CompletedAt *time.Time        `json:"completed_at" gorm:"type:timestamp"`
}

// TaskAssignment is the unit of work handed to one collaborator for one
// round. It references the global model version the local computation must
// start from; it is invalid once the round closes.
type TaskAssignment struct {
	RunID          uuid.UUID `json:"run_id"`
	RoundID        uuid.UUID `json:"round_id"`
	RoundNumber    int       `json:"round_number"`
	Collaborator   string    `json:"collaborator"`
	TaskDescriptor string    `json:"task_descriptor"`
	ModelVersion   int       `json:"model_version"`
	Deadline       time.Time `json:"deadline"`
}

// CollaboratorResult is one collaborator's contribution to a round: the
// locally computed payload plus its declared weight (typically the local
// sample count).
type CollaboratorResult struct {
	RunID       uuid.UUID   `json:"run_id"`
	RoundNumber int         `json:"round_number"`
	Fingerprint string      `json:"fingerprint"`
	Update      ModelVector `json:"update"`
	Weight      float64     `json:"weight"`
	Loss        float64     `json:"loss"`
	Accuracy    float64     `json:"accuracy"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// RunMember records one collaborator's membership in a run. Membership is
// what makes a collaborator a selection candidate; the per-round responder
// set is recorded separately as RoundParticipant rows.
type RunMember struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID       uuid.UUID `json:"run_id" gorm:"type:uuid;not null;uniqueIndex:idx_run_member"`
	Fingerprint string    `json:"fingerprint" gorm:"type:varchar(64);not null;uniqueIndex:idx_run_member"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

type (
	RunStatus         string
	RoundStatus       string
	ParticipantStatus string
	QuorumPolicy      string
)

const (
	RunStatusInitializing RunStatus = "initializing"
	RunStatusActive       RunStatus = "active"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusAborted      RunStatus = "aborted"
)

const (
	RoundStatusCollecting  RoundStatus = "collecting"
	RoundStatusAggregating RoundStatus = "aggregating"
	RoundStatusCompleted   RoundStatus = "completed"
	RoundStatusFailed      RoundStatus = "failed"
)

const (
	ParticipantStatusAssigned  ParticipantStatus = "assigned"
	ParticipantStatusTraining  ParticipantStatus = "training"
	ParticipantStatusCompleted ParticipantStatus = "completed"
)

const (
	// QuorumPolicyAbort terminates the run when a round closes below quorum.
	QuorumPolicyAbort QuorumPolicy = "abort"
	// QuorumPolicyRetry reopens the same round number with a fresh responder set.
	QuorumPolicyRetry QuorumPolicy = "retry"
	// QuorumPolicyProceed aggregates whatever responders reported in time.
	QuorumPolicyProceed QuorumPolicy = "proceed"
)

func NewFederationRun(name, description string, totalRounds int, quorumFraction float64, config RunConfig) *FederationRun {
	return &FederationRun{
		ID:             uuid.New(),
		Name:           name,
		Description:    description,
		Status:         RunStatusInitializing,
		Config:         config,
		CurrentRound:   0,
		TotalRounds:    totalRounds,
		QuorumFraction: quorumFraction,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

func NewFederationRound(runID uuid.UUID, roundNumber, attempt, modelVersion int, deadline time.Time) *FederationRound {
	return &FederationRound{
		ID:           uuid.New(),
		RunID:        runID,
		RoundNumber:  roundNumber,
		Attempt:      attempt,
		Status:       RoundStatusCollecting,
		ModelVersion: modelVersion,
		Deadline:     deadline,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func NewRoundParticipant(roundID uuid.UUID, identity CollaboratorIdentity) *RoundParticipant {
	return &RoundParticipant{
		ID:          uuid.New(),
		RoundID:     roundID,
		Fingerprint: identity.Fingerprint,
		Name:        identity.Name,
		Status:      ParticipantStatusAssigned,
		Weight:      1.0,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}
