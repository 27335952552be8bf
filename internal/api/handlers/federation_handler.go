package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fedstack/federation-server/internal/api/models"
	coremodels "github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/services"
	"github.com/fedstack/federation-server/pkg/logger"
)

// FederationHandler serves the operator endpoints: run creation and control,
// plus run and round inspection. The global model download is shared with
// collaborators.
type FederationHandler struct {
	federationService *services.FederationService
}

func NewFederationHandler(federationService *services.FederationService) *FederationHandler {
	return &FederationHandler{
		federationService: federationService,
	}
}

func (h *FederationHandler) CreateRun(c *gin.Context) {
	log := logger.WithComponent("federation_handler")

	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	cfg := coremodels.RunConfig{
		AggregationMethod: req.AggregationMethod,
		QuorumPolicy:      coremodels.QuorumPolicy(req.QuorumPolicy),
		RoundDeadline:     req.RoundDeadline,
		SamplingFraction:  req.SamplingFraction,
		SamplingSeed:      req.SamplingSeed,
		TaskDescriptor:    req.TaskDescriptor,
	}

	run, err := h.federationService.CreateRun(c.Request.Context(), req.Name, req.Description, req.TotalRounds, req.QuorumFraction, cfg, req.InitialModel)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, runResponse(run))
}

func (h *FederationHandler) StartRun(c *gin.Context) {
	log := logger.WithComponent("federation_handler")

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	if err := h.federationService.StartRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, services.ErrNoEligibleCollaborators) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		log.Error().Err(err).Str("run_id", runID.String()).Msg("Failed to start run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}

func (h *FederationHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	run, err := h.federationService.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, runResponse(run))
}

func (h *FederationHandler) ListRuns(c *gin.Context) {
	runs, err := h.federationService.ListRuns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	responses := make([]models.RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, runResponse(run))
	}
	c.JSON(http.StatusOK, responses)
}

func (h *FederationHandler) GetRound(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	roundNumber, err := strconv.Atoi(c.Param("round"))
	if err != nil || roundNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid round number"})
		return
	}

	round, participants, err := h.federationService.GetRound(c.Request.Context(), runID, roundNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Round not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := models.RoundResponse{
		ID:           round.ID.String(),
		RunID:        round.RunID.String(),
		RoundNumber:  round.RoundNumber,
		Attempt:      round.Attempt,
		Status:       string(round.Status),
		ModelVersion: round.ModelVersion,
		Deadline:     round.Deadline,
		Metrics:      round.Metrics,
		Participants: make([]models.ParticipantResponse, 0, len(participants)),
	}
	for _, p := range participants {
		resp.Participants = append(resp.Participants, models.ParticipantResponse{
			Fingerprint: p.Fingerprint,
			Name:        p.Name,
			Status:      string(p.Status),
			Weight:      p.Weight,
			CompletedAt: p.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// GetGlobalState streams the current global model as newline-delimited JSON
// frames: a header frame, one frame per parameter group in sorted order, and
// a closing frame. Large models never get buffered into a single response
// body on the server side.
func (h *FederationHandler) GetGlobalState(c *gin.Context) {
	log := logger.WithComponent("federation_handler")

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	state, err := h.federationService.GetGlobalState(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)

	publishedAt := state.PublishedAt
	header := models.GlobalStateChunk{
		RunID:       state.RunID.String(),
		Version:     state.Version,
		PublishedAt: &publishedAt,
		Metrics:     state.Metrics,
	}
	if err := enc.Encode(header); err != nil {
		log.Warn().Err(err).Str("run_id", runID.String()).Msg("Model state stream aborted")
		return
	}

	groups := make([]string, 0, len(state.Params))
	for name := range state.Params {
		groups = append(groups, name)
	}
	sort.Strings(groups)

	for _, name := range groups {
		chunk := models.GlobalStateChunk{
			Version: state.Version,
			Group:   name,
			Values:  state.Params[name],
		}
		if err := enc.Encode(chunk); err != nil {
			log.Warn().Err(err).Str("run_id", runID.String()).Msg("Model state stream aborted")
			return
		}
		c.Writer.Flush()
	}

	if err := enc.Encode(models.GlobalStateChunk{Version: state.Version, Final: true}); err != nil {
		log.Warn().Err(err).Str("run_id", runID.String()).Msg("Model state stream aborted")
	}
	c.Writer.Flush()
}

func runResponse(run *coremodels.FederationRun) models.RunResponse {
	return models.RunResponse{
		ID:             run.ID.String(),
		Name:           run.Name,
		Description:    run.Description,
		Status:         string(run.Status),
		CurrentRound:   run.CurrentRound,
		TotalRounds:    run.TotalRounds,
		ModelVersion:   run.ModelVersion,
		QuorumFraction: run.QuorumFraction,
		Config:         run.Config,
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
		CompletedAt:    run.CompletedAt,
	}
}
