package server

import (
	"net/http"

	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
)

// signatureHeader is the header Twilio carries its request signature in
const signatureHeader = "X-Twilio-Signature"

// requestLogger tags each request with a request ID and logs its outcome
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// verifySignature authenticates inbound provider callbacks before any
// CallSid or AnsweredBy field is trusted. The signature covers the
// public URL the provider was given, not the local listener address.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.VerifySignatures {
			next.ServeHTTP(w, r)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form body", http.StatusBadRequest)
			return
		}

		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			s.logger.Warn("webhook missing signature", zap.String("path", r.URL.Path))
			http.Error(w, "missing signature", http.StatusForbidden)
			return
		}

		params := make(map[string]string, len(r.PostForm))
		for name, values := range r.PostForm {
			if len(values) > 0 {
				params[name] = values[0]
			}
		}

		signedURL := s.cfg.PublicBaseURL + r.URL.Path
		if !validator.Validate(signedURL, params, signature) {
			s.logger.Warn("webhook signature rejected",
				zap.String("path", r.URL.Path))
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
