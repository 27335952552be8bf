package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedstack/federation-server/internal/core/models"
	"github.com/fedstack/federation-server/internal/core/services"
	"github.com/fedstack/federation-server/pkg/logger"
)

const identityKey = "collaborator_identity"

// Identity re-verifies the TLS peer certificate per request and attaches the
// resulting collaborator identity to the gin context. The handshake already
// verified the chain; running Verify again here catches certificates revoked
// while a connection stays open.
func Identity(identityService *services.IdentityService) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.WithComponent("identity_middleware")

		if c.Request.TLS == nil || len(c.Request.TLS.PeerCertificates) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Client certificate is required"})
			return
		}

		identity, err := identityService.Verify(c.Request.TLS.PeerCertificates[0])
		if err != nil {
			log.Warn().Err(err).Str("remote_addr", c.Request.RemoteAddr).Msg("Rejected request identity")
			status := http.StatusUnauthorized
			if errors.Is(err, services.ErrCertificateRevoked) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// IdentityFrom returns the verified identity attached by the Identity
// middleware.
func IdentityFrom(c *gin.Context) (models.CollaboratorIdentity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return models.CollaboratorIdentity{}, false
	}
	identity, ok := value.(models.CollaboratorIdentity)
	return identity, ok
}
