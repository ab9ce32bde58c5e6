package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"tramites_app_go/services"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the body of every failed API request
type ErrorResponse struct {
	ErrorCode string                 `json:"errorCode"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
}

// HTTPErrorHandler renders service and echo errors as ErrorResponse. Unknown
// errors become a 500 without leaking their text.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		log.Printf("[ERROR] Failed to write error response: %v", writeErr)
	}
}

func errorResponse(err error) (int, ErrorResponse) {
	if appErr, ok := services.AsAppError(err); ok {
		status := appErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, ErrorResponse{ErrorCode: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}

	var bindErr *echo.BindingError
	if errors.As(err, &bindErr) {
		return http.StatusBadRequest, ErrorResponse{
			ErrorCode: "VALIDATION_ERROR",
			Message:   fmt.Sprintf("Valor inválido para %s.", bindErr.Field),
			Details:   map[string]interface{}{"field": bindErr.Field, "values": bindErr.Values},
		}
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, ErrorResponse{
			ErrorCode: codeForStatus(httpErr.Code),
			Message:   fmt.Sprint(httpErr.Message),
			Details:   map[string]interface{}{},
		}
	}

	return http.StatusInternalServerError, ErrorResponse{
		ErrorCode: "INTERNAL_ERROR",
		Message:   "Error interno del servidor.",
		Details:   map[string]interface{}{},
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "FILE_TOO_LARGE"
	case http.StatusUnsupportedMediaType:
		return "UNSUPPORTED_MEDIA_TYPE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	}
	if status >= http.StatusInternalServerError {
		return "INTERNAL_ERROR"
	}
	return "HTTP_ERROR"
}
