package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/propagation"
)

var errMissingHub = errors.New("propagation hub dependency required")

// RelayDependencies wires the relay HTTP surface.
type RelayDependencies struct {
	Hub    *propagation.Hub
	Tokens TokenValidator
	Logger *zap.Logger
}

// NewRelayHandler serves the propagation channel at /sync/ws and a health probe.
func NewRelayHandler(deps RelayDependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := newEngine()
	access := &authorizer{tokens: deps.Tokens, logger: logger}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": deps.Hub.SessionCount()})
	})

	protected := router.Group("/")
	protected.Use(access.authorizeRequest)
	protected.GET("/sync/ws", func(c *gin.Context) {
		identity := propagation.Identity{
			UserID:   c.GetString(userIDContextKey),
			DeviceID: c.GetString(deviceIDContextKey),
		}
		if err := deps.Hub.Serve(c.Writer, c.Request, identity); err != nil {
			logger.Debug("propagation session ended with error",
				zap.String("user_id", identity.UserID),
				zap.String("device_id", identity.DeviceID),
				zap.Error(err))
		}
	})

	return router, nil
}
