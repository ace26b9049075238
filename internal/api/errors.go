package api

import (
	"errors"
	"net/http"

	"github.com/Resinat/edgecoord/internal/service"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, service.CodeInvalidArgument, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, service.CodeNotFound, message)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", tooLarge.Error())
		return
	}
	writeInvalidArgument(w, err.Error())
}

// statusFor maps a service error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case service.CodeInvalidArgument:
		return http.StatusBadRequest
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeConflict:
		return http.StatusConflict
	case service.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case service.CodeTimeout:
		return http.StatusGatewayTimeout
	case service.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError maps service errors to HTTP response codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.ServiceError
	if err != nil && errors.As(err, &svcErr) {
		status := statusFor(svcErr.Code)
		if status == http.StatusInternalServerError {
			WriteError(w, status, service.CodeInternal, "internal server error")
			return
		}
		WriteError(w, status, svcErr.Code, svcErr.Message)
		return
	}
	WriteError(w, http.StatusInternalServerError, service.CodeInternal, "internal server error")
}
