package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// requestError carries the status a malformed request should be answered with.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string {
	return e.err.Error()
}

// decodeRequest decodes a JSON body into dst and validates its struct tags.
// Syntax errors map to 400 and validation failures to 422.
func decodeRequest(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{status: http.StatusRequestEntityTooLarge, err: errors.New("request body too large")}
		}
		return &requestError{status: http.StatusBadRequest, err: fmt.Errorf("invalid request body: %w", err)}
	}
	if err := validate.Struct(dst); err != nil {
		return &requestError{status: http.StatusUnprocessableEntity, err: fmt.Errorf("invalid request: %w", err)}
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	// Headers and status are written before encoding to avoid buffering.
	// If encoding fails, the client may receive a partial response.
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes a JSON error response with the given status code.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}
