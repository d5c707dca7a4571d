package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bitbucket.org/medfocus/intake_backend/utils"
)

// AuthMiddleware validates the bearer token and installs the actor identity
// into the request context. Every mutation downstream refuses to run without
// an actor id, so this is the single place identity enters the system.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := c.Request.Context()
		ctx = utils.SetTokenInContext(ctx, auth)
		ctx = utils.SetActorIdInContext(ctx, claim.ActorId)
		ctx = utils.SetActorNameInContext(ctx, claim.Name)
		ctx = utils.SetActorRoleInContext(ctx, claim.Role)
		ctx = utils.SetClinicIdInContext(ctx, claim.ClinicId)
		ctx = utils.SetIsAdminInContext(ctx, claim.Role == "admin")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireActor rejects requests that reached a mutating route without an
// authenticated actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorId, ok := utils.GetActorIdFromContext(c.Request.Context()); !ok || actorId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin guards cross-clinic routes. Only platform admins may look at
// activity outside their own clinic.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, ok := utils.GetActorRoleFromContext(c.Request.Context()); !ok || role != "admin" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
