package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "heliograph/pkg/domain-errors"
	"heliograph/pkg/requestcontext"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	ErrorCode     string         `json:"error_code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to an HTTP status and writes the error body. Uncoded
// errors are reported as INTERNAL_ERROR without leaking their text.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody(r, err)
	WriteJSON(w, StatusFor(dErrors.Code(body.ErrorCode)), body)
}

// ErrorBody builds the error response for err.
func ErrorBody(r *http.Request, err error) ErrorResponse {
	body := ErrorResponse{
		ErrorCode: string(dErrors.CodeInternal),
		Message:   "internal server error",
	}
	if r != nil {
		body.CorrelationID = requestcontext.CorrelationID(r.Context())
	}
	de, ok := dErrors.As(err)
	if !ok || de.Code == dErrors.CodeInternal {
		return body
	}
	body.ErrorCode = string(de.Code)
	body.Message = de.Message
	body.Details = de.Details
	return body
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest,
		dErrors.CodeValidation,
		dErrors.CodeInvalidDOI,
		dErrors.CodeInvalidContentHash,
		dErrors.CodeInvalidStateTransition:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeStateConflict,
		dErrors.CodeAlreadyDeleted,
		dErrors.CodeNotDeleted,
		dErrors.CodeConflict,
		dErrors.CodeIdempotencyInProgress:
		return http.StatusConflict
	case dErrors.CodeProcessingFailed:
		return http.StatusUnprocessableEntity
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Preparable is implemented by request DTOs that normalize and validate
// themselves after decoding.
type Preparable interface {
	Normalize()
	Validate() error
}

// DecodeAndPrepare decodes the JSON body into T, then normalizes and
// validates it. On failure it writes the error response and returns false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Preparable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*T, bool) {
	ctx := r.Context()
	req := new(T)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(req); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		logger.WarnContext(ctx, "failed to decode request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		WriteError(w, r, dErrors.New(dErrors.CodeValidation, msg))
		return nil, false
	}

	p := PT(req)
	p.Normalize()
	if err := p.Validate(); err != nil {
		logger.WarnContext(ctx, "invalid request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		WriteError(w, r, err)
		return nil, false
	}
	return req, true
}
