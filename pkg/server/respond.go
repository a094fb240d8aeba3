package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch agenterrors.GetCode(err) {
	case agenterrors.ErrCodeValidation:
		return http.StatusBadRequest
	case agenterrors.ErrCodeConflict, agenterrors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case agenterrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case agenterrors.ErrCodeNotFound:
		return http.StatusNotFound
	case agenterrors.ErrCodeDispatch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError sends a structured JSON error. Only the requester-safe
// message leaves the process.
func respondError(w http.ResponseWriter, status int, err error) {
	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var structured *agenterrors.Error
	switch {
	case errors.As(err, &structured):
		response.Code = string(structured.Code)
		response.Message = agenterrors.UserMessage(err)
		response.Retryable = structured.Retryable
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken), errors.Is(err, ErrNoScope):
		response.Message = err.Error()
	case err != nil && status >= 500:
		response.Message = agenterrors.GenericUserMessage
	case err != nil:
		response.Message = err.Error()
	}

	respondJSON(w, status, response)
}
