package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fedstack/federation-server/internal/api/middleware"
	"github.com/fedstack/federation-server/internal/api/models"
	"github.com/fedstack/federation-server/internal/core/services"
	"github.com/fedstack/federation-server/pkg/logger"
)

// CollaboratorHandler serves the collaborator-facing protocol: admission,
// heartbeats, task pulls and result submission. Every route behind it
// requires a verified peer identity.
type CollaboratorHandler struct {
	registryService   *services.RegistryService
	federationService *services.FederationService
}

func NewCollaboratorHandler(registryService *services.RegistryService, federationService *services.FederationService) *CollaboratorHandler {
	return &CollaboratorHandler{
		registryService:   registryService,
		federationService: federationService,
	}
}

func (h *CollaboratorHandler) Register(c *gin.Context) {
	log := logger.WithComponent("collaborator_handler")

	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Client certificate is required"})
		return
	}

	var req models.RegisterCollaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Name != "" {
		identity.Name = req.Name
	}

	if req.RunID != "" {
		runID, err := uuid.Parse(req.RunID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
			return
		}
		if err := h.federationService.AdmitCollaborator(c.Request.Context(), runID, identity); err != nil {
			if errors.Is(err, services.ErrRunNotActive) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			log.Error().Err(err).Str("run_id", req.RunID).Msg("Failed to admit collaborator to run")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		if _, err := h.registryService.Admit(c.Request.Context(), identity); err != nil {
			log.Error().Err(err).Msg("Failed to admit collaborator")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	log.Info().
		Str("fingerprint", identity.Fingerprint).
		Str("name", identity.Name).
		Str("run_id", req.RunID).
		Msg("Collaborator registered")

	c.JSON(http.StatusCreated, gin.H{
		"fingerprint": identity.Fingerprint,
		"name":        identity.Name,
	})
}

func (h *CollaboratorHandler) Heartbeat(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Client certificate is required"})
		return
	}

	var payload models.HeartbeatPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	if err := h.registryService.Heartbeat(c.Request.Context(), identity); err != nil {
		if errors.Is(err, services.ErrCollaboratorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}

// PullTask hands out the caller's assignment for the open round. A 204 means
// there is nothing for this collaborator right now; it should poll again.
func (h *CollaboratorHandler) PullTask(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Client certificate is required"})
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	task, err := h.federationService.PullTask(c.Request.Context(), runID, identity)
	if err != nil {
		if errors.Is(err, services.ErrNoTaskAvailable) {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, task)
}

func (h *CollaboratorHandler) SubmitResult(c *gin.Context) {
	log := logger.WithComponent("collaborator_handler")

	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Client certificate is required"})
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	var req models.SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	result := req.ToResult(runID, identity.Fingerprint, time.Now())

	submitErr := h.federationService.SubmitResult(c.Request.Context(), result)
	switch {
	case submitErr == nil:
		c.JSON(http.StatusOK, gin.H{
			"run_id":       runID.String(),
			"round_number": req.RoundNumber,
			"accepted":     true,
		})
	case errors.Is(submitErr, services.ErrStaleRound):
		c.JSON(http.StatusConflict, gin.H{"error": submitErr.Error(), "stale": true})
	case errors.Is(submitErr, services.ErrDuplicateSubmission):
		c.JSON(http.StatusConflict, gin.H{"error": submitErr.Error()})
	case errors.Is(submitErr, services.ErrUnassignedCollaborator):
		c.JSON(http.StatusForbidden, gin.H{"error": submitErr.Error()})
	case errors.Is(submitErr, services.ErrQuorumNotMet):
		// The result was accepted but closing the round fell short of quorum;
		// the run-level outcome is visible on the run resource.
		c.JSON(http.StatusOK, gin.H{
			"run_id":       runID.String(),
			"round_number": req.RoundNumber,
			"accepted":     true,
		})
	default:
		log.Error().Err(submitErr).Str("run_id", runID.String()).Msg("Failed to accept result")
		c.JSON(http.StatusInternalServerError, gin.H{"error": submitErr.Error()})
	}
}
