package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code, codeStr = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNoKeys):
		code, codeStr = http.StatusServiceUnavailable, "NO_KEYS"
	case errors.Is(err, domain.ErrExhaustedAllKeys):
		code, codeStr = http.StatusServiceUnavailable, "EXHAUSTED_ALL_KEYS"
	case errors.Is(err, domain.ErrRateLimited):
		code, codeStr = http.StatusTooManyRequests, "RATE_LIMITED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
