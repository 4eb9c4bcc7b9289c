package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// Common API errors
var (
	ErrInvalidRequest = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrInvalidQuery   = &Error{Message: "Invalid query", StatusCode: http.StatusBadRequest, Code: "INVALID_QUERY"}
	ErrInternalServer = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
	ErrUnavailable    = &Error{Message: "Service unavailable", StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE"}
)

// writeError writes an error response. details is surfaced to the caller
// only for client errors.
func writeError(c *gin.Context, err error, details error) {
	var apiError *Error
	if !errors.As(err, &apiError) {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unhandled error")
		apiError = ErrInternalServer
	}

	resp := ErrorResponse{Message: apiError.Message, Code: apiError.Code}
	if details != nil {
		if apiError.StatusCode < http.StatusInternalServerError {
			resp.Details = details.Error()
		} else {
			log.Error().Err(details).Str("path", c.Request.URL.Path).Msg(apiError.Message)
		}
	}
	c.AbortWithStatusJSON(apiError.StatusCode, resp)
}
