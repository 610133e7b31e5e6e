// Package conversations exposes the derived conversation list, single
// conversation reads, and conversation deletion. Conversations have no
// storage identity: every response here is recomputed from the ranked log.
package conversations

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/chatlog-io/chatlog-service/internal/chat"
	registryroute "github.com/chatlog-io/chatlog-service/internal/registry/route"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation routes on the given engine. Called after
// store initialization so the store is available.
func MountRoutes(r *gin.Engine, svc *chat.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, svc)
	})
	g.GET("/conversations/:token", func(c *gin.Context) {
		getConversation(c, svc)
	})
	g.DELETE("/conversations/:token", func(c *gin.Context) {
		deleteConversation(c, svc)
	})
}

func listConversations(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)
	offset := queryInt(c, "offset", 0)
	limit := queryInt(c, "limit", 0)

	summaries, err := svc.ListConversations(c.Request.Context(), userID, offset, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries})
}

func getConversation(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)

	view, found, err := svc.GetConversation(c.Request.Context(), userID, c.Param("token"))
	if err != nil {
		handleError(c, err)
		return
	}
	if !found {
		// Malformed tokens and unknown start ranks both land here: the
		// conversation does not exist, which is never a server error.
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func deleteConversation(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)

	deleted, err := svc.DeleteConversation(c.Request.Context(), userID, c.Param("token"))
	if err != nil {
		handleError(c, err)
		return
	}
	// Deleting something that is not there is reported as a calm false, the
	// same way the UI treats it.
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
