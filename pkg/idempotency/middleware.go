package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// HeaderIdempotencyKey is the HTTP header for idempotency key
	HeaderIdempotencyKey = "Idempotency-Key"

	// MaxBodySize is the largest request body that is hashed
	MaxBodySize = 1 << 20

	DefaultTTL   = 24 * time.Hour
	maxKeyLength = 255
)

// Record is a stored response keyed by caller scope and idempotency key
type Record struct {
	Scope          string    `db:"scope"`
	IdempotencyKey string    `db:"idempotency_key"`
	RequestPath    string    `db:"request_path"`
	RequestHash    string    `db:"request_hash"`
	ResponseStatus int       `db:"response_status"`
	ResponseBody   []byte    `db:"response_body"`
	CreatedAt      time.Time `db:"created_at"`
	ExpiresAt      time.Time `db:"expires_at"`
}

// Store persists records
type Store interface {
	Get(ctx context.Context, scope, key string) (*Record, error)
	Create(ctx context.Context, record *Record) error
}

// ScopeFunc names the caller a key belongs to, so two users can reuse a key
type ScopeFunc func(c *gin.Context) string

// responseWriter wraps gin.ResponseWriter to capture response
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// ValidateKey checks the shape of a client supplied key
func ValidateKey(key string) error {
	if len(key) < 8 || len(key) > maxKeyLength {
		return fmt.Errorf("idempotency key must be between 8 and %d characters", maxKeyLength)
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("idempotency key must be printable ASCII")
		}
	}
	return nil
}

// HashRequest fingerprints a request body
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func readBody(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return data, nil
}

func reject(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": message,
		"details": gin.H{"request_id": c.GetString("request_id")},
	})
}

// Middleware replays the stored response when a request repeats an
// Idempotency-Key. The key is optional. Only 2xx and 4xx responses are
// stored; server errors may be retried with the same key.
func Middleware(store Store, scope ScopeFunc, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if err := ValidateKey(key); err != nil {
			reject(c, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", err.Error())
			return
		}

		bodyBytes, err := readBody(c.Request.Body, MaxBodySize)
		if err != nil {
			reject(c, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		requestHash := HashRequest(bodyBytes)
		owner := scope(c)

		existing, err := store.Get(c.Request.Context(), owner, key)
		if err != nil {
			logger.Error("Failed to check idempotency key", zap.String("idempotency_key", key), zap.Error(err))
			reject(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Idempotency store unavailable")
			return
		}

		if existing != nil {
			if existing.RequestHash != requestHash || existing.RequestPath != c.Request.URL.Path {
				logger.Warn("Idempotency key reused with a different request", zap.String("idempotency_key", key))
				reject(c, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED",
					"Idempotency key was already used for a different request")
				return
			}

			logger.Info("Returning cached response",
				zap.String("idempotency_key", key),
				zap.Int("status", existing.ResponseStatus))
			c.Header("Idempotent-Replayed", "true")
			c.Data(existing.ResponseStatus, "application/json; charset=utf-8", existing.ResponseBody)
			c.Abort()
			return
		}

		writer := &responseWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
		c.Writer = writer

		c.Next()

		status := writer.Status()
		if status >= http.StatusInternalServerError {
			return
		}

		now := time.Now().UTC()
		record := &Record{
			Scope:          owner,
			IdempotencyKey: key,
			RequestPath:    c.Request.URL.Path,
			RequestHash:    requestHash,
			ResponseStatus: status,
			ResponseBody:   writer.body.Bytes(),
			CreatedAt:      now,
			ExpiresAt:      now.Add(DefaultTTL),
		}
		if err := store.Create(context.WithoutCancel(c.Request.Context()), record); err != nil {
			logger.Error("Failed to store idempotency key", zap.String("idempotency_key", key), zap.Error(err))
		}
	}
}
