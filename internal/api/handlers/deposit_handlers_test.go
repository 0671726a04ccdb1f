package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/pkg/logger"
)

type MockDepositService struct {
	mock.Mock
}

func (m *MockDepositService) Ingest(ctx context.Context, rawBody []byte, signature string) (*entities.IngestResult, error) {
	args := m.Called(ctx, rawBody, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.IngestResult), args.Error(1)
}

func (m *MockDepositService) AssignAddress(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.DepositAddress), args.Error(1)
}

func (m *MockDepositService) GetAddress(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.DepositAddress), args.Error(1)
}

func (m *MockDepositService) ListParked(ctx context.Context, limit, offset int) ([]*entities.DepositJob, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.DepositJob), args.Error(1)
}

func (m *MockDepositService) Requeue(ctx context.Context, id uuid.UUID) (*entities.DepositJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.DepositJob), args.Error(1)
}

func (m *MockDepositService) Metrics(ctx context.Context) (*entities.DepositJobMetrics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.DepositJobMetrics), args.Error(1)
}

// withUser simulates the authentication middleware
func withUser(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Set("request_id", "req-1")
		c.Next()
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) entities.ErrorResponse {
	t.Helper()
	var resp entities.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestChainDepositWebhook(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jobID := uuid.New()

	tests := []struct {
		name           string
		result         *entities.IngestResult
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "queued",
			result:         &entities.IngestResult{State: entities.NotificationQueued, DedupKey: "0xabc:0", JobID: &jobID},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "duplicate",
			result:         &entities.IngestResult{State: entities.NotificationDuplicate, DedupKey: "0xabc:0"},
			expectedStatus: http.StatusOK,
		},
		{
			name: "bad signature",
			err: &apperrors.DomainError{
				Err: apperrors.ErrUnauthorized, Code: apperrors.CodeInvalidSignature, Message: "invalid webhook signature",
			},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   apperrors.CodeInvalidSignature,
		},
		{
			name:           "malformed payload",
			err:            apperrors.ValidationError(apperrors.CodeInvalidPayload, "body", "malformed deposit notification"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   apperrors.CodeInvalidPayload,
		},
		{
			name:           "secret not configured",
			err:            apperrors.ConfigurationError(apperrors.CodeWebhookSecretMissing, "webhook secret is not configured"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   apperrors.CodeWebhookSecretMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"tx_hash":"0xabc","log_index":0}`)
			svc := new(MockDepositService)
			svc.On("Ingest", mock.Anything, body, "sig-123").Return(tt.result, tt.err)

			h := NewDepositHandlers(svc, "X-Webhook-Signature", logger.NewNop())
			router := gin.New()
			router.POST("/webhook", h.ChainDepositWebhook)

			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
			req.Header.Set("X-Webhook-Signature", "sig-123")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, decodeError(t, w).Code)
			} else {
				assert.Contains(t, w.Body.String(), string(tt.result.State))
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestChainDepositWebhook_UsesConfiguredHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := new(MockDepositService)
	svc.On("Ingest", mock.Anything, mock.Anything, "custom").
		Return(&entities.IngestResult{State: entities.NotificationIgnored}, nil)

	h := NewDepositHandlers(svc, "X-Provider-Signature", logger.NewNop())
	router := gin.New()
	router.POST("/webhook", h.ChainDepositWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Provider-Signature", "custom")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestDepositAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	userID := uuid.New()
	addr := &entities.DepositAddress{ID: uuid.New(), UserID: userID, Address: "0x00000000000000000000000000000000000000aa"}

	svc := new(MockDepositService)
	svc.On("AssignAddress", mock.Anything, userID).Return(addr, nil)
	svc.On("GetAddress", mock.Anything, userID).Return(nil, apperrors.NotFoundError("DEPOSIT_ADDRESS"))

	h := NewDepositHandlers(svc, "", logger.NewNop())
	router := gin.New()
	router.Use(withUser(userID))
	router.POST("/deposit-address", h.AssignDepositAddress)
	router.GET("/deposit-address", h.GetDepositAddress)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/deposit-address", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), addr.Address)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/deposit-address", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "DEPOSIT_ADDRESS_NOT_FOUND", resp.Code)
	assert.Equal(t, "req-1", resp.Details["request_id"])
}

func TestDepositAddress_RequiresUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDepositHandlers(new(MockDepositService), "", logger.NewNop())
	router := gin.New()
	router.GET("/deposit-address", h.GetDepositAddress)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/deposit-address", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminDepositJobs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jobID := uuid.New()
	svc := new(MockDepositService)
	svc.On("ListParked", mock.Anything, 5, 10).Return([]*entities.DepositJob{{ID: jobID}}, nil)
	svc.On("Requeue", mock.Anything, jobID).Return(&entities.DepositJob{ID: jobID, Status: entities.DepositJobPending}, nil)
	svc.On("Metrics", mock.Anything).Return(nil, errors.New("connection refused"))

	h := NewDepositHandlers(svc, "", logger.NewNop())
	router := gin.New()
	router.Use(withUser(uuid.New()))
	router.GET("/jobs/parked", h.ListParkedJobs)
	router.POST("/jobs/:id/requeue", h.RequeueJob)
	router.GET("/metrics", h.QueueMetrics)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/parked?limit=5&offset=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), jobID.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/"+jobID.String()+"/requeue", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/not-a-uuid/requeue", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// internal errors do not leak their cause
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Equal(t, ErrCodeInternalError, decodeError(t, w).Code)
}
