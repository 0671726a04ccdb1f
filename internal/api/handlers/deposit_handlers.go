package handlers

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/pkg/logger"
)

// DepositService is the deposit pipeline as seen by HTTP
type DepositService interface {
	Ingest(ctx context.Context, rawBody []byte, signature string) (*entities.IngestResult, error)
	AssignAddress(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error)
	GetAddress(ctx context.Context, userID uuid.UUID) (*entities.DepositAddress, error)
	ListParked(ctx context.Context, limit, offset int) ([]*entities.DepositJob, error)
	Requeue(ctx context.Context, id uuid.UUID) (*entities.DepositJob, error)
	Metrics(ctx context.Context) (*entities.DepositJobMetrics, error)
}

// DepositHandlers serves the chain webhook, deposit addresses and the
// operator view of the deposit queue
type DepositHandlers struct {
	service         DepositService
	signatureHeader string
	logger          *logger.Logger
}

// NewDepositHandlers creates deposit handlers. signatureHeader names the
// header that carries the webhook signature.
func NewDepositHandlers(service DepositService, signatureHeader string, logger *logger.Logger) *DepositHandlers {
	if signatureHeader == "" {
		signatureHeader = "X-Webhook-Signature"
	}
	return &DepositHandlers{service: service, signatureHeader: signatureHeader, logger: logger}
}

// ChainDepositWebhook handles POST /api/v1/webhooks/chain-deposit
// @Summary Ingest a chain deposit notification
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} entities.IngestResult
// @Failure 400 {object} entities.ErrorResponse
// @Failure 401 {object} entities.ErrorResponse
// @Router /api/v1/webhooks/chain-deposit [post]
func (h *DepositHandlers) ChainDepositWebhook(c *gin.Context) {
	// the signature covers the exact bytes, so the body is never re-encoded
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Failed to read request body")
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), rawBody, c.GetHeader(h.signatureHeader))
	if err != nil {
		SendDomainError(c, h.logger, err, "ingest_deposit")
		return
	}

	SendSuccess(c, result)
}

// AssignDepositAddress handles POST /api/v1/deposit-address
func (h *DepositHandlers) AssignDepositAddress(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	addr, err := h.service.AssignAddress(c.Request.Context(), userID)
	if err != nil {
		SendDomainError(c, h.logger, err, "assign_deposit_address")
		return
	}
	SendSuccess(c, addr)
}

// GetDepositAddress handles GET /api/v1/deposit-address
func (h *DepositHandlers) GetDepositAddress(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	addr, err := h.service.GetAddress(c.Request.Context(), userID)
	if err != nil {
		SendDomainError(c, h.logger, err, "get_deposit_address")
		return
	}
	SendSuccess(c, addr)
}

// ListParkedJobs handles GET /api/v1/admin/deposits/jobs/parked
func (h *DepositHandlers) ListParkedJobs(c *gin.Context) {
	limit, offset := pagination(c)
	jobs, err := h.service.ListParked(c.Request.Context(), limit, offset)
	if err != nil {
		SendDomainError(c, h.logger, err, "list_parked_jobs")
		return
	}
	if jobs == nil {
		jobs = []*entities.DepositJob{}
	}
	SendSuccess(c, entities.ListResponse[*entities.DepositJob]{Items: jobs, Limit: limit, Offset: offset})
}

// RequeueJob handles POST /api/v1/admin/deposits/jobs/:id/requeue
func (h *DepositHandlers) RequeueJob(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	job, err := h.service.Requeue(c.Request.Context(), id)
	if err != nil {
		SendDomainError(c, h.logger, err, "requeue_deposit_job")
		return
	}

	h.logger.Info("Deposit job requeued by operator", "job_id", id, "admin_id", actorID(c))
	SendSuccess(c, job)
}

// QueueMetrics handles GET /api/v1/admin/deposits/metrics
func (h *DepositHandlers) QueueMetrics(c *gin.Context) {
	m, err := h.service.Metrics(c.Request.Context())
	if err != nil {
		SendDomainError(c, h.logger, err, "deposit_metrics")
		return
	}
	SendSuccess(c, m)
}
