// Package admin exposes user registration, the per-user rerank pass, and
// service-wide stats. All routes require the admin role.
package admin

import (
	"errors"
	"net/http"

	"github.com/chatlog-io/chatlog-service/internal/chat"
	registryroute "github.com/chatlog-io/chatlog-service/internal/registry/route"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 120,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts admin routes on the given engine.
func MountRoutes(r *gin.Engine, store registrystore.ChatLogStore, svc *chat.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1/admin", auth, security.RequireAdmin())

	g.POST("/users", func(c *gin.Context) {
		registerUser(c, store)
	})
	g.POST("/users/:userId/rerank", func(c *gin.Context) {
		rerankUser(c, svc)
	})
	g.GET("/stats", func(c *gin.Context) {
		stats(c, store)
	})
}

func registerUser(c *gin.Context, store registrystore.ChatLogStore) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := security.NormalizeUserID(req.UserID)

	if err := store.RegisterUser(c.Request.Context(), userID); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"userId": userID})
}

func rerankUser(c *gin.Context, svc *chat.Service) {
	userID := security.NormalizeUserID(c.Param("userId"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "userId is required"})
		return
	}

	n, err := svc.Rerank(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "entries": n})
}

func stats(c *gin.Context, store registrystore.ChatLogStore) {
	users, err := store.CountUsers(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	entries, err := store.CountEntries(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "entries": entries})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
