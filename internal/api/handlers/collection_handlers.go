package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/pkg/logger"
)

// CollectionService is the sweep surface used by operators
type CollectionService interface {
	Preview(ctx context.Context, symbol string) (*entities.CollectPreview, error)
	Start(ctx context.Context, symbol, executedBy string) (*entities.SweepProgress, error)
	Progress(ctx context.Context) *entities.SweepProgress
	History(ctx context.Context, limit, offset int) ([]*entities.BatchCollectRecord, error)
}

// StartCollectionRequest selects the token to sweep
type StartCollectionRequest struct {
	Token string `json:"token" validate:"required,max=16"`
}

// CollectionHandlers handles batch collection endpoints
type CollectionHandlers struct {
	service   CollectionService
	validator *validator.Validate
	logger    *logger.Logger
}

// NewCollectionHandlers creates collection handlers
func NewCollectionHandlers(service CollectionService, logger *logger.Logger) *CollectionHandlers {
	return &CollectionHandlers{service: service, validator: validator.New(), logger: logger}
}

// StartCollection handles POST /api/v1/admin/collections
// @Summary Start a batch collection sweep
// @Tags admin
// @Accept json
// @Produce json
// @Success 202 {object} entities.SweepProgress
// @Failure 409 {object} entities.ErrorResponse
// @Router /api/v1/admin/collections [post]
func (h *CollectionHandlers) StartCollection(c *gin.Context) {
	var req StartCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		SendBadRequest(c, ErrCodeValidationError, "token is required")
		return
	}

	executedBy := actorID(c)
	progress, err := h.service.Start(c.Request.Context(), req.Token, executedBy)
	if err != nil {
		SendDomainError(c, h.logger, err, "start_collection")
		return
	}

	h.logger.Info("Collection sweep started", "token", req.Token, "executed_by", executedBy)
	SendAccepted(c, progress)
}

// PreviewCollection handles GET /api/v1/admin/collections/preview?token=
func (h *CollectionHandlers) PreviewCollection(c *gin.Context) {
	token := c.Query("token")
	if err := h.validator.Var(token, "required,max=16"); err != nil {
		SendBadRequest(c, ErrCodeValidationError, "token query parameter is required")
		return
	}

	preview, err := h.service.Preview(c.Request.Context(), token)
	if err != nil {
		SendDomainError(c, h.logger, err, "preview_collection")
		return
	}
	SendSuccess(c, preview)
}

// CollectionProgress handles GET /api/v1/admin/collections/progress
func (h *CollectionHandlers) CollectionProgress(c *gin.Context) {
	SendSuccess(c, h.service.Progress(c.Request.Context()))
}

// CollectionHistory handles GET /api/v1/admin/collections/history
func (h *CollectionHandlers) CollectionHistory(c *gin.Context) {
	limit, offset := pagination(c)
	records, err := h.service.History(c.Request.Context(), limit, offset)
	if err != nil {
		SendDomainError(c, h.logger, err, "collection_history")
		return
	}
	if records == nil {
		records = []*entities.BatchCollectRecord{}
	}
	SendSuccess(c, entities.ListResponse[*entities.BatchCollectRecord]{Items: records, Limit: limit, Offset: offset})
}
