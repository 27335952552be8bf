package v1

import (
	"github.com/gin-gonic/gin"

	"github.com/fedstack/federation-server/internal/api/handlers"
)

func registerCollaboratorRoutes(router *gin.RouterGroup, collaboratorHandler *handlers.CollaboratorHandler) {
	collaborators := router.Group("/collaborators")
	{
		collaborators.POST("", collaboratorHandler.Register)
		collaborators.POST("/heartbeat", collaboratorHandler.Heartbeat)
	}
}

func registerRunRoutes(router *gin.RouterGroup, federationHandler *handlers.FederationHandler, collaboratorHandler *handlers.CollaboratorHandler) {
	runs := router.Group("/runs")
	{
		runs.POST("", federationHandler.CreateRun)
		runs.GET("", federationHandler.ListRuns)
		runs.GET("/:id", federationHandler.GetRun)
		runs.POST("/:id/start", federationHandler.StartRun)
		runs.GET("/:id/rounds/:round", federationHandler.GetRound)
		runs.GET("/:id/model", federationHandler.GetGlobalState)

		runs.GET("/:id/task", collaboratorHandler.PullTask)
		runs.POST("/:id/results", collaboratorHandler.SubmitResult)
	}
}

func RegisterRoutes(api *gin.RouterGroup, federationHandler *handlers.FederationHandler, collaboratorHandler *handlers.CollaboratorHandler) {
	registerCollaboratorRoutes(api, collaboratorHandler)
	registerRunRoutes(api, federationHandler, collaboratorHandler)
}
