package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/yanqian/agrivision/pkg/errors"
)

// HTTPError captures the metadata required to serialize an error response consistently.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// NewHTTPError is a helper to build an HTTPError instance.
func NewHTTPError(status int, code, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, Err: err}
}

// domain codes that surface to clients as-is
var codeStatus = map[string]int{
	apperrors.CodeInvalidInput:    http.StatusBadRequest,
	apperrors.CodeInvalidImage:    http.StatusUnsupportedMediaType,
	apperrors.CodeSessionNotFound: http.StatusNotFound,
	apperrors.CodeNoImage:         http.StatusConflict,
	apperrors.CodeInvocation:      http.StatusBadGateway,
	apperrors.CodeStorage:         http.StatusServiceUnavailable,
}

// fromAppError maps a domain error onto the response envelope. Only the AppError
// message is exposed; wrapped causes stay in the logs.
func fromAppError(err error, fallbackCode string) *HTTPError {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return NewHTTPError(http.StatusInternalServerError, fallbackCode, "something went wrong", err)
	}
	if status, ok := codeStatus[appErr.Code]; ok {
		return NewHTTPError(status, appErr.Code, appErr.Message, err)
	}
	return NewHTTPError(http.StatusInternalServerError, fallbackCode, appErr.Message, err)
}

func asHTTPError(err error) *HTTPError {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return &HTTPError{
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: "something went wrong",
		Err:     err,
	}
}

func abortWithError(c *gin.Context, err *HTTPError) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}
