package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/pkg/logger"
)

// WithdrawalService defines the withdrawal operations exposed over HTTP
type WithdrawalService interface {
	Quote(tokenSymbol string, amount decimal.Decimal) (entities.Token, decimal.Decimal, error)
	Create(ctx context.Context, req *entities.CreateWithdrawalRequest) (*entities.Withdrawal, error)
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*entities.Withdrawal, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entities.Withdrawal, error)
	ListByStatus(ctx context.Context, status entities.WithdrawalStatus, limit, offset int) ([]*entities.Withdrawal, error)
	Get(ctx context.Context, id uuid.UUID) (*entities.Withdrawal, error)
	Approve(ctx context.Context, id uuid.UUID, adminID string) (*entities.Withdrawal, error)
	Reject(ctx context.Context, id uuid.UUID, adminID, reason string) (*entities.Withdrawal, error)
	Retry(ctx context.Context, id uuid.UUID, adminID string) (*entities.Withdrawal, error)
}

// WithdrawalQuote is the fee preview for a prospective withdrawal
type WithdrawalQuote struct {
	Token  entities.Token  `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Total  decimal.Decimal `json:"total"`
}

type quoteQuery struct {
	Token  string `form:"token" validate:"required,max=16"`
	Amount string `form:"amount" validate:"required,numeric"`
}

// WithdrawalHandlers handles user and admin withdrawal operations
type WithdrawalHandlers struct {
	withdrawalService WithdrawalService
	validator         *validator.Validate
	logger            *logger.Logger
}

// NewWithdrawalHandlers creates a new WithdrawalHandlers instance
func NewWithdrawalHandlers(withdrawalService WithdrawalService, logger *logger.Logger) *WithdrawalHandlers {
	return &WithdrawalHandlers{
		withdrawalService: withdrawalService,
		validator:         validator.New(),
		logger:            logger,
	}
}

func (h *WithdrawalHandlers) sendValidation(c *gin.Context, err error) {
	details := map[string]interface{}{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			details[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	NewError(http.StatusBadRequest, ErrCodeValidationError).Message("Request validation failed").Details(details).Send(c)
}

// CreateWithdrawal handles POST /api/v1/withdrawals
// @Summary Request a withdrawal
// @Tags withdrawals
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "client retry key"
// @Success 201 {object} entities.Withdrawal
// @Failure 400 {object} entities.ErrorResponse
// @Failure 409 {object} entities.ErrorResponse
// @Router /api/v1/withdrawals [post]
func (h *WithdrawalHandlers) CreateWithdrawal(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req entities.CreateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		h.sendValidation(c, err)
		return
	}
	req.UserID = userID

	withdrawal, err := h.withdrawalService.Create(c.Request.Context(), &req)
	if err != nil {
		SendDomainError(c, h.logger, err, "create_withdrawal")
		return
	}

	SendCreated(c, withdrawal)
}

// QuoteWithdrawal handles GET /api/v1/withdrawals/quote?token=&amount=
func (h *WithdrawalHandlers) QuoteWithdrawal(c *gin.Context) {
	var q quoteQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}
	if err := h.validator.Struct(&q); err != nil {
		h.sendValidation(c, err)
		return
	}
	amount, err := decimal.NewFromString(q.Amount)
	if err != nil {
		SendBadRequest(c, apperrors.CodeInvalidAmount, "amount is not a decimal number")
		return
	}

	token, fee, err := h.withdrawalService.Quote(q.Token, amount)
	if err != nil {
		SendDomainError(c, h.logger, err, "quote_withdrawal")
		return
	}

	SendSuccess(c, WithdrawalQuote{Token: token, Amount: amount, Fee: fee, Total: amount.Add(fee)})
}

// GetWithdrawal handles GET /api/v1/withdrawals/:id
func (h *WithdrawalHandlers) GetWithdrawal(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	withdrawal, err := h.withdrawalService.GetForUser(c.Request.Context(), userID, id)
	if err != nil {
		SendDomainError(c, h.logger, err, "get_withdrawal")
		return
	}
	SendSuccess(c, withdrawal)
}

// ListWithdrawals handles GET /api/v1/withdrawals
func (h *WithdrawalHandlers) ListWithdrawals(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	withdrawals, err := h.withdrawalService.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		SendDomainError(c, h.logger, err, "list_withdrawals")
		return
	}
	if withdrawals == nil {
		withdrawals = []*entities.Withdrawal{}
	}
	SendSuccess(c, entities.ListResponse[*entities.Withdrawal]{Items: withdrawals, Limit: limit, Offset: offset})
}

// AdminListWithdrawals handles GET /api/v1/admin/withdrawals?status=
func (h *WithdrawalHandlers) AdminListWithdrawals(c *gin.Context) {
	status := entities.WithdrawalStatus(strings.ToUpper(c.DefaultQuery("status", string(entities.WithdrawalStatusPendingApproval))))
	if !status.Valid() {
		SendBadRequest(c, apperrors.CodeInvalidStatus, "unknown withdrawal status")
		return
	}
	limit, offset := pagination(c)

	withdrawals, err := h.withdrawalService.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		SendDomainError(c, h.logger, err, "admin_list_withdrawals")
		return
	}
	if withdrawals == nil {
		withdrawals = []*entities.Withdrawal{}
	}
	SendSuccess(c, entities.ListResponse[*entities.Withdrawal]{Items: withdrawals, Limit: limit, Offset: offset})
}

// AdminGetWithdrawal handles GET /api/v1/admin/withdrawals/:id
func (h *WithdrawalHandlers) AdminGetWithdrawal(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	withdrawal, err := h.withdrawalService.Get(c.Request.Context(), id)
	if err != nil {
		SendDomainError(c, h.logger, err, "admin_get_withdrawal")
		return
	}
	SendSuccess(c, withdrawal)
}

// ApproveWithdrawal handles POST /api/v1/admin/withdrawals/:id/approve
func (h *WithdrawalHandlers) ApproveWithdrawal(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	withdrawal, err := h.withdrawalService.Approve(c.Request.Context(), id, actorID(c))
	if err != nil {
		SendDomainError(c, h.logger, err, "approve_withdrawal")
		return
	}
	SendSuccess(c, withdrawal)
}

// RejectWithdrawal handles POST /api/v1/admin/withdrawals/:id/reject
func (h *WithdrawalHandlers) RejectWithdrawal(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req entities.RejectWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, MsgInvalidRequest)
		return
	}

	withdrawal, err := h.withdrawalService.Reject(c.Request.Context(), id, actorID(c), req.Reason)
	if err != nil {
		SendDomainError(c, h.logger, err, "reject_withdrawal")
		return
	}
	SendSuccess(c, withdrawal)
}

// RetryWithdrawal handles POST /api/v1/admin/withdrawals/:id/retry
func (h *WithdrawalHandlers) RetryWithdrawal(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	withdrawal, err := h.withdrawalService.Retry(c.Request.Context(), id, actorID(c))
	if err != nil {
		SendDomainError(c, h.logger, err, "retry_withdrawal")
		return
	}
	SendSuccess(c, withdrawal)
}
