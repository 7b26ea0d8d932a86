// Package server exposes the HTTP surface: the call-initiation API and
// the provider webhook endpoints that drive the call-state engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sprucehealth/dialout/config"
	"github.com/sprucehealth/dialout/engine"
	"github.com/sprucehealth/dialout/model"
	"github.com/sprucehealth/dialout/twilioapi"
)

// TestCaller places untracked test calls with inline markup
type TestCaller interface {
	CreateTestCall(ctx context.Context, to string) (model.SID, error)
}

// Server routes provider webhooks and caller API requests
type Server struct {
	engine     *engine.Engine
	testCaller TestCaller
	cfg        *config.Config
	logger     *zap.Logger
	httpServer *http.Server
}

// New creates the server and wires all routes. Webhook routes carry
// signature verification when the configuration enables it.
func New(e *engine.Engine, testCaller TestCaller, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:     e,
		testCaller: testCaller,
		cfg:        cfg,
		logger:     logger,
	}

	r := mux.NewRouter()
	r.Use(s.requestLogger)
	r.HandleFunc("/", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/make-call", s.handleMakeCall).Methods(http.MethodPost)
	r.HandleFunc("/test-call", s.handleTestCall).Methods(http.MethodPost)

	// Provider callbacks; only these carry the provider signature
	wh := r.NewRoute().Subrouter()
	wh.Use(s.verifySignature)
	wh.HandleFunc(twilioapi.PathInitialInstructions, s.handleInitialConnect).Methods(http.MethodPost)
	wh.HandleFunc(twilioapi.PathAMDCallback, s.handleAMDResult).Methods(http.MethodPost)
	wh.HandleFunc(twilioapi.PathTranscriptionCallback, s.handleTranscription).Methods(http.MethodPost)
	wh.HandleFunc(twilioapi.PathStatusCallback, s.handleCallStatus).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return s
}

// Handler returns the router for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "Server is running!",
		"api_version": "1.0",
	})
}

type makeCallRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	session, err := s.engine.InitiateCall(r.Context(), req.PhoneNumber)
	if err != nil {
		var vErr *engine.ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": vErr.Error()})
			return
		}
		var pErr *engine.ProviderError
		if errors.As(err, &pErr) {
			s.logger.Error("call initiation rejected by provider", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to initiate call"})
			return
		}
		s.logger.Error("call initiation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to initiate call"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Call initiated with AMD. Check AMD callback for result.",
		"call_sid": session.CallSID.String(),
	})
}

func (s *Server) handleTestCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PhoneNumber == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Phone number for test call is required."})
		return
	}

	sid, err := s.testCaller.CreateTestCall(r.Context(), req.PhoneNumber)
	if err != nil {
		s.logger.Error("test call failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to initiate test call"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Simple test call initiated successfully (without AMD).",
		"call_sid": sid.String(),
	})
}

func (s *Server) handleInitialConnect(w http.ResponseWriter, r *http.Request) {
	callSID, ok := s.formCallSID(w, r)
	if !ok {
		return
	}
	writeTwiML(w, s.engine.HandleInitialConnect(callSID))
}

func (s *Server) handleAMDResult(w http.ResponseWriter, r *http.Request) {
	callSID, ok := s.formCallSID(w, r)
	if !ok {
		return
	}

	raw := r.PostFormValue("AnsweredBy")
	answeredBy, known := model.ParseAnsweredBy(raw)
	if !known {
		s.logger.Warn("unrecognized AnsweredBy value",
			zap.String("call_sid", callSID.String()),
			zap.String("answered_by", raw))
	}
	writeTwiML(w, s.engine.HandleAMDResult(callSID, answeredBy))
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	callSID := model.SID(r.PostFormValue("CallSid"))
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	err := s.engine.HandleTranscription(callSID,
		r.PostFormValue("RecordingUrl"),
		r.PostFormValue("TranscriptionText"))
	if err != nil {
		// The provider only needs an acknowledgement; anything else
		// would trigger pointless redelivery of an event we cannot use.
		s.logger.Warn("transcription not applied",
			zap.String("call_sid", callSID.String()),
			zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := model.SID(r.PostFormValue("CallSid"))
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.HandleCallStatus(callSID, r.PostFormValue("CallStatus")); err != nil {
		s.logger.Warn("status callback not applied",
			zap.String("call_sid", callSID.String()),
			zap.String("call_status", r.PostFormValue("CallStatus")),
			zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

// formCallSID extracts CallSid; a markup-producing webhook without one
// still gets the safe terminal markup so the call is not left open
func (s *Server) formCallSID(w http.ResponseWriter, r *http.Request) (model.SID, bool) {
	callSID := model.SID(r.PostFormValue("CallSid"))
	if callSID == "" {
		s.logger.Warn("webhook missing CallSid", zap.String("path", r.URL.Path))
		writeTwiML(w, engine.SafeHangupMarkup())
		return "", false
	}
	return callSID, true
}

func writeTwiML(w http.ResponseWriter, markup []byte) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(markup)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
