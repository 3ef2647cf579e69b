package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/checkin"
	"github.com/farellandr/spoticket-gate/internal/issuance"
	"github.com/farellandr/spoticket-gate/internal/refund"
)

const (
	dbKey       = "db"
	issuanceKey = "issuance_service"
	checkInKey  = "checkin_service"
	refundKey   = "refund_service"
	authKey     = "auth_config"
	webhookKey  = "webhook_config"
	loggerKey   = "logger"
)

type AuthConfig struct {
	Secret string
	TTL    time.Duration
}

type WebhookConfig struct {
	Secret  string
	MaxBody int64
}

func provide[T any](key string, value T) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(key, value)
		c.Next()
	}
}

func lookup[T any](c *gin.Context, key string) T {
	var zero T
	value, exists := c.Get(key)
	if !exists {
		return zero
	}
	typed, ok := value.(T)
	if !ok {
		return zero
	}
	return typed
}

func DatabaseMiddleware(db *gorm.DB) gin.HandlerFunc { return provide(dbKey, db) }

func GetDB(c *gin.Context) *gorm.DB { return lookup[*gorm.DB](c, dbKey) }

func IssuanceMiddleware(svc *issuance.Service) gin.HandlerFunc { return provide(issuanceKey, svc) }

func GetIssuanceService(c *gin.Context) *issuance.Service {
	return lookup[*issuance.Service](c, issuanceKey)
}

func CheckInMiddleware(svc *checkin.Service) gin.HandlerFunc { return provide(checkInKey, svc) }

func GetCheckInService(c *gin.Context) *checkin.Service {
	return lookup[*checkin.Service](c, checkInKey)
}

func RefundMiddleware(svc *refund.Service) gin.HandlerFunc { return provide(refundKey, svc) }

func GetRefundService(c *gin.Context) *refund.Service {
	return lookup[*refund.Service](c, refundKey)
}

func AuthConfigMiddleware(cfg AuthConfig) gin.HandlerFunc { return provide(authKey, cfg) }

func GetAuthConfig(c *gin.Context) AuthConfig { return lookup[AuthConfig](c, authKey) }

func WebhookConfigMiddleware(cfg WebhookConfig) gin.HandlerFunc { return provide(webhookKey, cfg) }

func GetWebhookConfig(c *gin.Context) WebhookConfig { return lookup[WebhookConfig](c, webhookKey) }

func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc { return provide(loggerKey, logger) }

// GetLogger falls back to the process default when no logger was injected.
func GetLogger(c *gin.Context) *slog.Logger {
	if logger := lookup[*slog.Logger](c, loggerKey); logger != nil {
		return logger
	}
	return slog.Default()
}
