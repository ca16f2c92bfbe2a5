package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
)

func TestIsNotFound(t *testing.T) {
	assert.False(t, isNotFound(nil))
	assert.True(t, isNotFound(session.ErrSessionNotFound))
	assert.True(t, isNotFound(fmt.Errorf("load: %w", session.ErrSessionNotFound)))
	assert.True(t, isNotFound(errors.New("endpoint not found")))
	assert.False(t, isNotFound(errors.New("disk full")))
}

func TestIsValidationError(t *testing.T) {
	assert.False(t, isValidationError(nil))
	assert.True(t, isValidationError(errors.New("endpoint name is required")))
	assert.True(t, isValidationError(errors.New("invalid payload")))
	assert.False(t, isValidationError(errors.New("timeout")))
}

func TestHandleNotFoundMapsStatus(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"not found", session.ErrSessionNotFound, http.StatusNotFound, `{"error":"session not found"}`},
		{"validation", errors.New("title is required"), http.StatusBadRequest, `{"error":"title is required"}`},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, `{"error":"request failed"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			handleNotFound(c, logger.Default(), tc.err, "session not found")
			assert.Equal(t, tc.wantCode, w.Code)
			assert.JSONEq(t, tc.wantBody, w.Body.String())
		})
	}
}
