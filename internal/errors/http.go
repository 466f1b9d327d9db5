package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
)

type requestIDKey struct{}

// WithRequestID stores the request id used in error envelopes.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON envelope every API error is written in.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// StatusFor is the HTTP status of kind.
func StatusFor(kind Kind) int {
	switch kind {
	case KindConfiguration, KindInternal:
		return http.StatusInternalServerError
	case KindConnectivity:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindQuota:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithError writes err as an error envelope. Unclassified errors
// are reported as internal without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !stderrors.As(err, &e) {
		kind := KindOf(err)
		msg := "internal error"
		if kind == KindConnectivity {
			msg = "upstream timeout"
		}
		e = New(kind, msg)
	}
	WriteError(w, StatusFor(e.Kind), e.Code, e.Message, e.Details, RequestIDFromContext(r.Context()))
}

// WriteError writes an error envelope with an explicit status and code.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string) {
	WriteJSON(w, status, HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
