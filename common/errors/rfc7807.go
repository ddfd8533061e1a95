package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents an RFC 7807 error response
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail explains this occurrence of the problem
	Detail string `json:"detail"`
	// Instance identifies the specific occurrence of the problem
	Instance  string    `json:"instance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId,omitempty"`
	// Errors contains field-specific validation errors
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a field-specific validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Problem type URIs
const (
	TypeValidationError   = "https://api.tickers.exchange/errors/validation-error"
	TypeUnauthorized      = "https://api.tickers.exchange/errors/unauthorized"
	TypeForbidden         = "https://api.tickers.exchange/errors/forbidden"
	TypeNotFound          = "https://api.tickers.exchange/errors/not-found"
	TypeConflict          = "https://api.tickers.exchange/errors/conflict"
	TypeInternalError     = "https://api.tickers.exchange/errors/internal-error"
	TypeInsufficientFunds = "https://api.tickers.exchange/errors/insufficient-funds"
	TypeInvalidOrder      = "https://api.tickers.exchange/errors/invalid-order"
	TypeOrderNotFound     = "https://api.tickers.exchange/errors/order-not-found"
	TypeInvalidSymbol     = "https://api.tickers.exchange/errors/invalid-symbol"
	TypeUpstream          = "https://api.tickers.exchange/errors/upstream-unavailable"
)

// Problem titles
const (
	TitleValidationError   = "Validation Error"
	TitleUnauthorized      = "Unauthorized"
	TitleForbidden         = "Forbidden"
	TitleNotFound          = "Not Found"
	TitleConflict          = "Conflict"
	TitleInternalError     = "Internal Server Error"
	TitleInsufficientFunds = "Insufficient Funds"
	TitleInvalidOrder      = "Invalid Order"
	TitleOrderNotFound     = "Order Not Found"
	TitleInvalidSymbol     = "Invalid Symbol"
	TitleUpstream          = "Upstream Unavailable"
)

// NewProblemDetails creates a new RFC 7807 error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// AddValidationError appends a single field error
func (p *ProblemDetails) AddValidationError(field, message, code string) *ProblemDetails {
	p.Errors = append(p.Errors, ValidationError{
		Field:   field,
		Message: message,
		Code:    code,
	})
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// NewValidationError creates a validation error
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, TitleUnauthorized, http.StatusUnauthorized, detail, instance)
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeForbidden, TitleForbidden, http.StatusForbidden, detail, instance)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

// NewConflictError creates a conflict error
func NewConflictError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeConflict, TitleConflict, http.StatusConflict, detail, instance)
}

// NewInternalError creates an internal server error
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// NewInsufficientFundsError creates an insufficient funds error
func NewInsufficientFundsError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInsufficientFunds, TitleInsufficientFunds, http.StatusPaymentRequired, detail, instance)
}

// NewInvalidOrderError creates an invalid order error
func NewInvalidOrderError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInvalidOrder, TitleInvalidOrder, http.StatusBadRequest, detail, instance)
}

// NewOrderNotFoundError creates an order not found error
func NewOrderNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeOrderNotFound, TitleOrderNotFound, http.StatusNotFound, detail, instance)
}

// NewInvalidSymbolError creates an invalid symbol error
func NewInvalidSymbolError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInvalidSymbol, TitleInvalidSymbol, http.StatusBadRequest, detail, instance)
}

// NewUpstreamError creates an error for a failed call to an external collaborator
func NewUpstreamError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUpstream, TitleUpstream, http.StatusBadGateway, detail, instance)
}
