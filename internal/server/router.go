package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/auth"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/conflicts"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
	"github.com/rajeev3828gupta/sih-medical-sub000/internal/records"
)

const (
	userIDContextKey   = "healthsync_user_id"
	deviceIDContextKey = "healthsync_device_id"
	accessTokenQuery   = "access_token"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates device tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.DeviceClaims, error)
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func newEngine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	return router
}

type authorizer struct {
	tokens TokenValidator
	logger *zap.Logger
}

// authorizeRequest accepts a bearer header, or the access_token query parameter for
// websocket clients that cannot set headers.
func (a *authorizer) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQuery))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			a.logger.Info("token validation failed", zap.Error(err))
		} else {
			a.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

type codedError interface {
	Code() string
}

// writeError maps domain errors onto HTTP responses.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, records.ErrIntegrity):
		c.JSON(http.StatusConflict, gin.H{"error": "integrity_mismatch"})
	case errors.Is(err, records.ErrNotFound), errors.Is(err, conflicts.ErrCaseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, records.ErrPurgeUnconfirmed):
		c.JSON(http.StatusConflict, gin.H{"error": "purge_unconfirmed"})
	case errors.Is(err, queue.ErrClearNotConfirmed):
		c.JSON(http.StatusConflict, gin.H{"error": "clear_not_confirmed"})
	case errors.Is(err, conflicts.ErrUnmergeable):
		c.JSON(http.StatusConflict, gin.H{"error": "unmergeable"})
	case errors.Is(err, records.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state"})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	default:
		body := gin.H{"error": "internal_error"}
		var coded codedError
		if errors.As(err, &coded) {
			body["code"] = coded.Code()
		}
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		records.ErrInvalidPayload,
		records.ErrInvalidPatch,
		records.ErrInvalidSnapshot,
		records.ErrInvalidRecordID,
		records.ErrInvalidUserID,
		records.ErrInvalidDeviceID,
		records.ErrInvalidActorID,
		conflicts.ErrInvalidStrategy,
		queue.ErrInvalidOperation,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
