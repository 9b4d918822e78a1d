package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rblinton/logistics-system/internal/domain/shared"
	"github.com/rblinton/logistics-system/internal/interfaces/http/dto"
)

// IdempotencyKeyHeader is the wire header carrying the client request key
const IdempotencyKeyHeader = "Idempotency-Key"

// maxIdempotencyKeyLength bounds the key to keep store entries small
const maxIdempotencyKeyLength = 128

// IdempotencyConfig holds idempotency middleware settings
type IdempotencyConfig struct {
	Store  shared.IdempotencyStore
	TTL    time.Duration
	Logger *zap.Logger
}

// Idempotency rejects replays of mutating requests that carry an
// Idempotency-Key header already seen within the TTL. Requests without the
// header pass through; recording operations are additionally guarded by the
// ledger's identifier idempotency, so the header is an optimization for
// clients retrying over flaky links, not the only line of defense.
func Idempotency(cfg IdempotencyConfig) gin.HandlerFunc {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = shared.DefaultIdempotencyConfig().TTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeBadRequest,
				"Idempotency-Key header is too long",
				GetRequestID(c),
			))
			return
		}

		isNew, err := cfg.Store.MarkProcessed(c.Request.Context(), key, ttl)
		if err != nil {
			// a broken store must not block the request path
			logger.Warn("idempotency store unavailable, skipping duplicate check",
				zap.Error(err),
			)
			c.Next()
			return
		}
		if !isNew {
			c.AbortWithStatusJSON(http.StatusConflict, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeDuplicateRequest,
				"A request with this Idempotency-Key was already accepted",
				GetRequestID(c),
			))
			return
		}

		c.Next()
	}
}
