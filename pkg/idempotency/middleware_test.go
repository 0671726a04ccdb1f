package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func (s *memStore) Get(_ context.Context, scope, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[scope+"|"+key], nil
}

func (s *memStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Scope+"|"+r.IdempotencyKey]; !ok {
		s.records[r.Scope+"|"+r.IdempotencyKey] = r
	}
	return nil
}

func newRouter(store Store, calls *int, status int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(store, func(c *gin.Context) string { return c.GetHeader("X-User") }, zap.NewNop()))
	r.POST("/withdrawals", func(c *gin.Context) {
		*calls++
		c.JSON(status, gin.H{"call": *calls})
	})
	return r
}

func post(r http.Handler, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/withdrawals", strings.NewReader(body))
	req.Header.Set("X-User", user)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	calls := 0
	r := newRouter(&memStore{records: map[string]*Record{}}, &calls, http.StatusCreated)

	first := post(r, "alice", "key-00000001", `{"amount":"10"}`)
	second := post(r, "alice", "key-00000001", `{"amount":"10"}`)

	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, calls)
}

func TestMiddleware_KeysAreScopedPerCaller(t *testing.T) {
	calls := 0
	r := newRouter(&memStore{records: map[string]*Record{}}, &calls, http.StatusCreated)

	post(r, "alice", "key-00000001", `{}`)
	post(r, "bob", "key-00000001", `{}`)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_DifferentBodyConflicts(t *testing.T) {
	calls := 0
	r := newRouter(&memStore{records: map[string]*Record{}}, &calls, http.StatusCreated)

	post(r, "alice", "key-00000001", `{"amount":"10"}`)
	w := post(r, "alice", "key-00000001", `{"amount":"11"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "IDEMPOTENCY_KEY_REUSED")
	assert.Equal(t, 1, calls)
}

func TestMiddleware_ServerErrorsAreNotStored(t *testing.T) {
	calls := 0
	r := newRouter(&memStore{records: map[string]*Record{}}, &calls, http.StatusInternalServerError)

	post(r, "alice", "key-00000001", `{}`)
	post(r, "alice", "key-00000001", `{}`)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_WithoutKeyPassesThrough(t *testing.T) {
	calls := 0
	r := newRouter(&memStore{records: map[string]*Record{}}, &calls, http.StatusCreated)

	post(r, "alice", "", `{}`)
	post(r, "alice", "", `{}`)
	assert.Equal(t, 2, calls)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("3f0c2a8e-5b1d-4c6f-9a7e-0d2b4c6e8f10"))
	assert.Error(t, ValidateKey("short"))
	assert.Error(t, ValidateKey("has space in key"))
	assert.Error(t, ValidateKey(strings.Repeat("k", 256)))
}
