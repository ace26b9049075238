package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AuthMiddleware rejects requests whose Authorization header does not
// carry "Bearer <adminToken>". An empty adminToken disables the check.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	if adminToken == "" {
		return next
	}
	want := []byte(adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msg := checkBearer(r.Header.Get("Authorization"), want); msg != "" {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearer returns an empty string when header holds the wanted token.
func checkBearer(header string, want []byte) string {
	if header == "" {
		return "missing Authorization header"
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "Authorization header must use the Bearer scheme"
	}
	if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
		return "invalid admin token"
	}
	return ""
}

// RequestBodyLimitMiddleware caps request bodies at maxBytes. Handlers see
// an *http.MaxBytesError once the cap is crossed.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AccessLogMiddleware logs one debug line per request, or a warning for
// server errors.
func AccessLogMiddleware(next http.Handler) http.Handler {
	log := logrus.WithField("component", "api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}
