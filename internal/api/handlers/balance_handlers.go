package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/pkg/logger"
)

// BalanceReader lists a user's ledger balances
type BalanceReader interface {
	ListBalances(ctx context.Context, userID uuid.UUID) ([]*entities.Balance, error)
}

// BalanceHandlers serves the caller's balances
type BalanceHandlers struct {
	ledger BalanceReader
	logger *logger.Logger
}

func NewBalanceHandlers(ledger BalanceReader, logger *logger.Logger) *BalanceHandlers {
	return &BalanceHandlers{ledger: ledger, logger: logger}
}

// ListBalances handles GET /api/v1/balances
func (h *BalanceHandlers) ListBalances(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	balances, err := h.ledger.ListBalances(c.Request.Context(), userID)
	if err != nil {
		SendDomainError(c, h.logger, err, "list_balances")
		return
	}
	if balances == nil {
		balances = []*entities.Balance{}
	}
	SendSuccess(c, gin.H{"balances": balances})
}
