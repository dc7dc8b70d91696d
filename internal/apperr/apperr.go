// Package apperr holds the error taxonomy shared by the inference and
// persistence paths, and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/example/tremor-api/internal/logging"
)

var (
	// ErrDecode means the uploaded bytes are not a decodable raster image.
	ErrDecode = errors.New("image could not be decoded")
	// ErrShape means a tensor does not have the size the model expects.
	ErrShape = errors.New("tensor shape mismatch")
	// ErrModelNotReady means the model session has not reached the ready state.
	ErrModelNotReady = errors.New("model not ready")
	// ErrInference means the model produced no usable output.
	ErrInference = errors.New("inference produced no usable output")
	// ErrInferenceTimeout means the inference call exceeded its deadline.
	ErrInferenceTimeout = errors.New("inference timed out")
	// ErrServiceBusy means the inference admission queue is full.
	ErrServiceBusy = errors.New("inference queue is full")
	// ErrUnauthorized covers missing, invalid or expired tokens and bad credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict means the account already exists.
	ErrConflict = errors.New("already exists")
	// ErrValidation means a required field is missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrUnsupportedMedia means an upload is not an image.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrPayloadTooLarge means an upload exceeds the size limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

var statusByError = []struct {
	err    error
	status int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrDecode, http.StatusBadRequest},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrConflict, http.StatusConflict},
	{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
	{ErrUnsupportedMedia, http.StatusUnsupportedMediaType},
	{ErrModelNotReady, http.StatusServiceUnavailable},
	{ErrServiceBusy, http.StatusServiceUnavailable},
	{ErrInferenceTimeout, http.StatusGatewayTimeout},
	{ErrShape, http.StatusInternalServerError},
	{ErrInference, http.StatusInternalServerError},
}

// HTTPStatus maps err onto the status code reported to the client.
func HTTPStatus(err error) int {
	for _, entry := range statusByError {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}

// PublicMessage returns the message safe to show to a client. Client errors
// keep their detail; internal failures collapse to a generic text.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case IsClientError(err):
		return logging.Cause(err).Error()
	case errors.Is(err, ErrModelNotReady):
		return ErrModelNotReady.Error()
	case errors.Is(err, ErrServiceBusy):
		return ErrServiceBusy.Error()
	case errors.Is(err, ErrInferenceTimeout):
		return ErrInferenceTimeout.Error()
	default:
		return "internal server error"
	}
}
