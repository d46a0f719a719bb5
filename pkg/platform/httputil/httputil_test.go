package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/requestcontext"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error hides cause", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, nil, errors.New("pq: connection refused"))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "INTERNAL_ERROR", body.ErrorCode)
		assert.NotContains(t, body.Message, "pq")
	})

	t.Run("conflict carries details and correlation id", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r = r.WithContext(requestcontext.WithRequestID(r.Context(), "req-42"))
		w := httptest.NewRecorder()
		err := dErrors.New(dErrors.CodeStateConflict, "state moved").
			WithDetail("current_state", "processing")
		WriteError(w, r, err)

		require.Equal(t, http.StatusConflict, w.Code)
		var body ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "STATE_CONFLICT", body.ErrorCode)
		assert.Equal(t, "processing", body.Details["current_state"])
		assert.Equal(t, "req-42", body.CorrelationID)
	})
}

func TestStatusFor(t *testing.T) {
	cases := map[dErrors.Code]int{
		dErrors.CodeInvalidDOI:             http.StatusBadRequest,
		dErrors.CodeInvalidStateTransition: http.StatusBadRequest,
		dErrors.CodeNotFound:               http.StatusNotFound,
		dErrors.CodeAlreadyDeleted:         http.StatusConflict,
		dErrors.CodeIdempotencyInProgress:  http.StatusConflict,
		dErrors.CodeRateLimited:            http.StatusTooManyRequests,
		dErrors.CodeInternal:               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFor(code), code)
	}
}

type pingRequest struct {
	Name string `json:"name"`
}

func (p *pingRequest) Normalize() { p.Name = strings.TrimSpace(p.Name) }

func (p *pingRequest) Validate() error {
	if p.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	return nil
}

func TestDecodeAndPrepare(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("normalizes valid body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"  ada "}`))
		w := httptest.NewRecorder()
		req, ok := DecodeAndPrepare[pingRequest](w, r, logger)
		require.True(t, ok)
		assert.Equal(t, "ada", req.Name)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":`))
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[pingRequest](w, r, logger)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("surfaces validation error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"   "}`))
		w := httptest.NewRecorder()
		_, ok := DecodeAndPrepare[pingRequest](w, r, logger)
		assert.False(t, ok)

		var body ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "VALIDATION_ERROR", body.ErrorCode)
	})
}
