package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/task"
)

// envelope is the uniform response shape: success with data, or an error.
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	kind := task.KindOf(err)
	writeEnvelope(w, statusFor(kind), envelope{
		Success: false,
		Error:   &apiError{Kind: string(kind), Message: userMessage(err)},
	})
}

func writeErrorStatus(w http.ResponseWriter, status int, kind task.Kind, message string) {
	writeEnvelope(w, status, envelope{
		Success: false,
		Error:   &apiError{Kind: string(kind), Message: message},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env) //nolint:errcheck
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(kind task.Kind) int {
	switch kind {
	case task.KindValidation:
		return http.StatusBadRequest
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindVersionConflict:
		return http.StatusConflict
	case task.KindTaskTimeout, task.KindNodeTimeout:
		return http.StatusGatewayTimeout
	case task.KindTransientExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// userMessage renders the error without internal wrapping chains: for a
// classified error the message alone, otherwise the plain Error() text.
func userMessage(err error) string {
	var te *task.Error
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
