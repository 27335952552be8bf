package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedstack/federation-server/internal/api/handlers"
	"github.com/fedstack/federation-server/internal/api/middleware"
	v1 "github.com/fedstack/federation-server/internal/api/v1"
	"github.com/fedstack/federation-server/internal/core/services"
)

func init() {
	// Set Gin to release mode to disable debug logging
	gin.SetMode(gin.ReleaseMode)
}

type Router struct {
	engine   *gin.Engine
	endpoint string
}

func NewRouter(federationHandler *handlers.FederationHandler, collaboratorHandler *handlers.CollaboratorHandler, identityService *services.IdentityService, endpoint string) *Router {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.Logging())
	engine.Use(middleware.Identity(identityService))

	r := &Router{
		engine:   engine,
		endpoint: endpoint,
	}

	r.registerRoutes(federationHandler, collaboratorHandler)
	return r
}

func (r *Router) registerRoutes(federationHandler *handlers.FederationHandler, collaboratorHandler *handlers.CollaboratorHandler) {
	api := r.engine.Group(r.endpoint)
	v1.RegisterRoutes(api, federationHandler, collaboratorHandler)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) AddMiddleware(middleware gin.HandlerFunc) {
	r.engine.Use(middleware)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
