// Package chat exposes the message send endpoint and the session lifecycle
// endpoints.
package chat

import (
	"errors"
	"net/http"

	"github.com/chatlog-io/chatlog-service/internal/chat"
	"github.com/chatlog-io/chatlog-service/internal/conversation"
	registryllm "github.com/chatlog-io/chatlog-service/internal/registry/llm"
	registryroute "github.com/chatlog-io/chatlog-service/internal/registry/route"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts chat and session routes on the given engine. Called
// after store and responder initialization.
func MountRoutes(r *gin.Engine, svc *chat.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/chat/messages", func(c *gin.Context) {
		sendMessage(c, svc)
	})

	g.POST("/session", func(c *gin.Context) {
		startSession(c, svc)
	})
	g.GET("/session", func(c *gin.Context) {
		getSession(c, svc)
	})
	g.PUT("/session", func(c *gin.Context) {
		attachSession(c, svc)
	})
	g.DELETE("/session", func(c *gin.Context) {
		clearSession(c, svc)
	})
}

func sendMessage(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)
	var req struct {
		Message     string   `json:"message"`
		Attachments []string `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := svc.SendMessage(c.Request.Context(), userID, req.Message, req.Attachments)
	if err != nil {
		handleSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleSendError maps the send path's failure taxonomy onto HTTP statuses.
// An unknown outcome is reported as 504 with an explicit code: the client must
// not assume the exchange was lost.
func handleSendError(c *gin.Context, err error) {
	if errors.Is(err, chat.ErrOutcomeUnknown) {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"code":  "outcome_unknown",
			"error": "the request timed out; the message may have been stored",
		})
		return
	}

	var validation *registrystore.ValidationError
	var notFound *registrystore.NotFoundError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
		return
	}
	if errors.As(err, &notFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
		return
	}

	var llmErr *registryllm.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Kind {
		case registryllm.KindQuota:
			c.JSON(http.StatusTooManyRequests, gin.H{"code": "quota", "error": err.Error()})
		case registryllm.KindSafety:
			c.JSON(http.StatusBadRequest, gin.H{"code": "safety", "error": err.Error()})
		case registryllm.KindConfiguration:
			c.JSON(http.StatusBadGateway, gin.H{"code": "configuration", "error": err.Error()})
		case registryllm.KindPermission:
			c.JSON(http.StatusBadGateway, gin.H{"code": "permission", "error": err.Error()})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "transient", "error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func startSession(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)
	sess := svc.Tracker().StartNew(userID)
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID})
}

func getSession(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)
	sess, ok := svc.Tracker().Current(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "no active session"})
		return
	}
	resp := gin.H{"sessionId": sess.ID}
	if sess.StartRank > 0 {
		resp["conversationToken"] = conversation.Token(sess.StartRank)
	}
	c.JSON(http.StatusOK, resp)
}

func attachSession(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)
	var req struct {
		ConversationToken string `json:"conversationToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	startRank, ok := conversation.ParseToken(req.ConversationToken)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid conversation token"})
		return
	}
	sess := svc.Tracker().Reattach(userID, startRank)
	c.JSON(http.StatusOK, gin.H{
		"sessionId":         sess.ID,
		"conversationToken": conversation.Token(sess.StartRank),
	})
}

func clearSession(c *gin.Context, svc *chat.Service) {
	userID := security.GetUserID(c)
	svc.Tracker().Clear(userID)
	c.Status(http.StatusNoContent)
}
