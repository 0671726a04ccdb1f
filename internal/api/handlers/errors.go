package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/custodial/settlement_service/internal/domain/entities"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/pkg/logger"
)

// Error codes used by the HTTP layer itself
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = apperrors.CodeValidation
	ErrCodeInvalidID          = "INVALID_ID"
	ErrCodeInternalError      = apperrors.CodeInternal
	ErrCodeServiceUnavailable = apperrors.CodeServiceUnavailable
)

// Error messages as constants for consistency
const (
	MsgInvalidRequest     = "Invalid request payload"
	MsgUnauthorized       = "Authentication required"
	MsgInternalError      = "Internal server error"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

// ErrorResponseBuilder provides a fluent interface for building error responses
type ErrorResponseBuilder struct {
	status  int
	code    string
	message string
	details map[string]interface{}
}

// NewError creates a new ErrorResponseBuilder
func NewError(status int, code string) *ErrorResponseBuilder {
	return &ErrorResponseBuilder{status: status, code: code}
}

// Message sets the error message
func (e *ErrorResponseBuilder) Message(msg string) *ErrorResponseBuilder {
	e.message = msg
	return e
}

// Detail adds a single detail to the error response
func (e *ErrorResponseBuilder) Detail(key string, value interface{}) *ErrorResponseBuilder {
	if e.details == nil {
		e.details = make(map[string]interface{})
	}
	e.details[key] = value
	return e
}

// Details merges details into the error response
func (e *ErrorResponseBuilder) Details(details map[string]interface{}) *ErrorResponseBuilder {
	for k, v := range details {
		e.Detail(k, v)
	}
	return e
}

// Send sends the error response, tagging it with the request id
func (e *ErrorResponseBuilder) Send(c *gin.Context) {
	if id := getRequestID(c); id != "" {
		e.Detail("request_id", id)
	}
	c.JSON(e.status, entities.ErrorResponse{
		Code:    e.code,
		Message: e.message,
		Details: e.details,
	})
}

// SendBadRequest sends a 400 Bad Request error
func SendBadRequest(c *gin.Context, code, message string) {
	NewError(http.StatusBadRequest, code).Message(message).Send(c)
}

// SendUnauthorized sends a 401 Unauthorized error
func SendUnauthorized(c *gin.Context, message string) {
	NewError(http.StatusUnauthorized, ErrCodeUnauthorized).Message(message).Send(c)
}

// SendNotFound sends a 404 Not Found error
func SendNotFound(c *gin.Context, code, message string) {
	NewError(http.StatusNotFound, code).Message(message).Send(c)
}

// SendInternalError sends a 500 Internal Server Error
func SendInternalError(c *gin.Context, code, message string) {
	NewError(http.StatusInternalServerError, code).Message(message).Send(c)
}

// SendServiceUnavailable sends a 503 Service Unavailable error
func SendServiceUnavailable(c *gin.Context, message string) {
	NewError(http.StatusServiceUnavailable, ErrCodeServiceUnavailable).Message(message).Send(c)
}

// SendSuccess sends a 200 OK response with data
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// SendCreated sends a 201 Created response with data
func SendCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// SendAccepted sends a 202 Accepted response with data
func SendAccepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, data)
}

// StatusForError maps a domain error category onto an HTTP status
func StatusForError(err error) int {
	switch {
	case apperrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case apperrors.IsUnauthorized(err):
		return http.StatusUnauthorized
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsConflict(err):
		return http.StatusConflict
	case apperrors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SendDomainError writes err as an ErrorResponse. Internal errors keep their
// cause in the log only.
func SendDomainError(c *gin.Context, log *logger.Logger, err error, action string) {
	status := StatusForError(err)
	code := apperrors.GetErrorCode(err)

	if status >= http.StatusInternalServerError {
		log.Error("Request failed",
			"action", action,
			"request_id", getRequestID(c),
			"code", code,
			"error", err)
		if status == http.StatusServiceUnavailable {
			SendServiceUnavailable(c, MsgServiceUnavailable)
			return
		}
		if apperrors.IsConfiguration(err) {
			SendInternalError(c, code, err.Error())
			return
		}
		SendInternalError(c, ErrCodeInternalError, MsgInternalError)
		return
	}

	log.Debug("Request rejected", "action", action, "code", code, "error", err)
	NewError(status, code).
		Message(err.Error()).
		Details(apperrors.GetErrorDetails(err)).
		Send(c)
}
