package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = stderrors.New("missing")

func missingMapper(err error, instance string) *ProblemDetails {
	if stderrors.Is(err, errMissing) {
		return NewNotFoundError(err.Error(), instance)
	}
	return nil
}

func TestToProblemUsesMappers(t *testing.T) {
	h := NewUnifiedErrorHandler(missingMapper)

	pd := h.ToProblem(fmt.Errorf("failed to load order: %w", errMissing), "/api/v1/orders/1")
	assert.Equal(t, http.StatusNotFound, pd.Status)
	assert.Equal(t, TypeNotFound, pd.Type)
	assert.Equal(t, "/api/v1/orders/1", pd.Instance)

	pd = h.ToProblem(stderrors.New("boom"), "/x")
	assert.Equal(t, http.StatusInternalServerError, pd.Status)
}

func TestToProblemPassesProblemDetailsThrough(t *testing.T) {
	h := NewUnifiedErrorHandler()
	orig := NewInsufficientFundsError("not enough USD", "")

	pd := h.ToProblem(fmt.Errorf("reserve: %w", orig), "/api/v1/orders")
	assert.Same(t, orig, pd)
	assert.Equal(t, "/api/v1/orders", pd.Instance)
	assert.Equal(t, http.StatusPaymentRequired, pd.Status)
}

func TestHandleErrorWritesProblemJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewUnifiedErrorHandler(missingMapper)

	router := gin.New()
	router.GET("/thing", func(c *gin.Context) { h.HandleError(c, errMissing) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/thing", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

	var body ProblemDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, TitleNotFound, body.Title)
	assert.Equal(t, "/thing", body.Instance)
}
