package withdrawal

import (
	"context"
	"errors"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
)

// permanentPatterns win over recoverable ones: a revert message may quote
// an inner "insufficient funds".
var permanentPatterns = []string{
	"invalid address",
	"paused",
	"blocked",
	"blacklisted",
	"execution reverted",
}

var recoverablePatterns = []string{
	"insufficient funds",
	"insufficient gas",
	"gas required exceeds allowance",
	"intrinsic gas too low",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"eof",
	"429",
	"too many requests",
	"502",
	"503",
	"bad gateway",
	"service unavailable",
	"circuit breaker is open",
	"still pending",
	"interrupted",
}

// ClassifyFailure decides whether a failed payout may be retried.
// Anything unrecognised is PERMANENT.
func ClassifyFailure(err error) entities.FailureType {
	if err == nil {
		return entities.FailureTypePermanent
	}

	switch {
	case errors.Is(err, chain.ErrTransactionReverted):
		return entities.FailureTypePermanent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		apperrors.IsConfiguration(err),
		apperrors.IsUnavailable(err):
		return entities.FailureTypeRecoverable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return entities.FailureTypePermanent
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return entities.FailureTypeRecoverable
		}
	}
	return entities.FailureTypePermanent
}

// ambiguousPatterns are send errors after which the node may still hold the
// transaction.
var ambiguousPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"context canceled",
	"connection reset",
	"eof",
	"already known",
}

// broadcastAmbiguous reports whether a failed send may have reached the node
func broadcastAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range ambiguousPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
