package errors

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// Mapper converts a domain error into problem details. It returns nil when it
// does not recognise the error.
type Mapper func(err error, instance string) *ProblemDetails

// UnifiedErrorHandler writes any error as an RFC 7807 response
type UnifiedErrorHandler struct {
	mappers []Mapper
}

// NewUnifiedErrorHandler creates a handler consulting mappers in order
func NewUnifiedErrorHandler(mappers ...Mapper) *UnifiedErrorHandler {
	return &UnifiedErrorHandler{mappers: mappers}
}

// HandleError converts err and writes it to the response
func (h *UnifiedErrorHandler) HandleError(c *gin.Context, err error) {
	pd := h.ToProblem(err, c.Request.URL.Path)

	if span := trace.SpanContextFromContext(c.Request.Context()); span.HasTraceID() {
		pd.WithTraceID(span.TraceID().String())
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(pd.Status, pd)
}

// ToProblem converts err without writing it
func (h *UnifiedErrorHandler) ToProblem(err error, instance string) *ProblemDetails {
	var pd *ProblemDetails
	if stderrors.As(err, &pd) {
		if pd.Instance == "" {
			pd.Instance = instance
		}
		return pd
	}
	for _, m := range h.mappers {
		if mapped := m(err, instance); mapped != nil {
			return mapped
		}
	}
	return NewInternalError(err.Error(), instance)
}
