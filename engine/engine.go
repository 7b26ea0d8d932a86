// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sprucehealth/dialout/model"
	"github.com/sprucehealth/dialout/twiml"
)

// Messages spoken to the called party. The wording matches what the
// provider integration has always said on these paths.
const (
	HoldMessage      = "Please wait while we connect your call."
	HumanMessage     = "Hello, a human has answered. This is a personalized message for you."
	VoicemailPrompt  = "Please leave your message after the beep."
	FallbackMessage  = "Sorry, we couldn't detect a human. Goodbye."
	ApologyMessage   = "We are sorry, an application error has occurred. Goodbye."
	DefaultRecordMax = 120 * time.Second
	RecordTimeout    = 10 * time.Second
)

var phoneNumberRE = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Dialer places an outbound call with machine detection enabled and all
// callback URLs registered, returning the provider-assigned call SID.
// This is the only blocking provider operation in the system and it runs
// outside the webhook-response path.
type Dialer interface {
	CreateCall(ctx context.Context, to string) (model.SID, error)
}

// Engine orchestrates outbound calls: it initiates them, tracks their
// sessions, and decides call-control markup for each inbound provider
// event. All event handlers are O(1) and never call out to the provider.
type Engine struct {
	store  *Store
	dialer Dialer
	clock  Clock
	logger *zap.Logger

	sessionTTL      time.Duration
	reapInterval    time.Duration
	recordMaxLength time.Duration
	transcribeURL   string
	promptAudioURL  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the engine
type Option func(*Engine)

// WithClock sets a specific clock implementation
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSessionTTL sets the inactivity window after which the reaper fails
// a session that never received a terminal callback
func WithSessionTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.sessionTTL = d
	}
}

// WithReapInterval sets how often the reaper sweeps the store. Zero
// disables the reaper.
func WithReapInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.reapInterval = d
	}
}

// WithRecordMaxLength bounds the voicemail recording duration
func WithRecordMaxLength(d time.Duration) Option {
	return func(e *Engine) {
		e.recordMaxLength = d
	}
}

// WithTranscribeCallbackURL sets the URL the provider delivers
// transcriptions to, referenced from the Record directive
func WithTranscribeCallbackURL(url string) Option {
	return func(e *Engine) {
		e.transcribeURL = url
	}
}

// WithVoicemailPromptAudio plays a hosted audio artifact as the
// voicemail prompt instead of synthesized speech
func WithVoicemailPromptAudio(url string) Option {
	return func(e *Engine) {
		e.promptAudioURL = url
	}
}

// New creates an engine. The reaper goroutine starts immediately unless
// the reap interval is zero; Close stops it.
func New(dialer Dialer, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:           NewStore(),
		dialer:          dialer,
		clock:           NewAutoClock(),
		logger:          zap.NewNop(),
		sessionTTL:      5 * time.Minute,
		reapInterval:    30 * time.Second,
		recordMaxLength: DefaultRecordMax,
		transcribeURL:   "/transcription-callback",
		ctx:             ctx,
		cancel:          cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.reapInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runReaper(e.ctx)
		}()
	}

	return e
}

// Close stops the reaper and waits for it to exit
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// InitiateCall validates the destination, asks the provider to dial it
// with machine detection enabled, and registers a session in state
// Initiated keyed by the provider-assigned call SID. On any error no
// session is persisted.
func (e *Engine) InitiateCall(ctx context.Context, phoneNumber string) (model.CallSession, error) {
	if phoneNumber == "" {
		return model.CallSession{}, &ValidationError{Field: "phone_number", Reason: "required"}
	}
	if !phoneNumberRE.MatchString(phoneNumber) {
		return model.CallSession{}, &ValidationError{Field: "phone_number", Reason: "must be E.164, e.g. +15551234567"}
	}

	callSID, err := e.dialer.CreateCall(ctx, phoneNumber)
	if err != nil {
		return model.CallSession{}, err
	}

	now := e.clock.Now()
	session := &model.CallSession{
		CallSID:     callSID,
		PhoneNumber: phoneNumber,
		State:       model.StateInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.Create(session); err != nil {
		return model.CallSession{}, fmt.Errorf("registering session: %w", err)
	}

	e.logger.Info("call initiated",
		zap.String("call_sid", callSID.String()),
		zap.String("to", phoneNumber))

	return *session, nil
}

// Session returns a copy of the tracked session for a call SID
func (e *Engine) Session(callSID model.SID) (model.CallSession, error) {
	return e.store.Get(callSID)
}

// HandleInitialConnect processes the webhook delivered when the call is
// answered by anything, while AMD is still running in the background.
// Always returns renderable markup; an unknown call SID or internal
// fault degrades to the safe terminal markup so the live call is never
// left without instructions.
func (e *Engine) HandleInitialConnect(callSID model.SID) []byte {
	markup, err := e.initialConnect(callSID)
	if err != nil {
		e.logger.Warn("initial-connect degraded to safe hangup",
			zap.String("call_sid", callSID.String()),
			zap.Error(err))
		return SafeHangupMarkup()
	}
	return markup
}

func (e *Engine) initialConnect(callSID model.SID) ([]byte, error) {
	err := e.store.Update(callSID, func(s *model.CallSession) error {
		switch {
		case s.State == model.StateInitiated:
			return s.Transition(model.StateAwaitingAnswer, e.clock.Now())
		case s.State.IsTerminal():
			return fmt.Errorf("initial-connect for %s session: %w", s.State, ErrDuplicateEvent)
		default:
			// AMD raced ahead of us or this is a retry; the hold message
			// is re-rendered with no state change.
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	return twiml.Render(&twiml.Response{Children: []twiml.Node{
		&twiml.Say{Text: HoldMessage},
	}})
}

// HandleAMDResult processes the answering machine detection callback.
// The first delivery for a call decides and caches the markup; every
// later delivery, identical or conflicting, gets the cached markup back
// with no side effects.
func (e *Engine) HandleAMDResult(callSID model.SID, answeredBy model.AnsweredBy) []byte {
	markup, err := e.amdResult(callSID, answeredBy)
	if err != nil {
		e.logger.Warn("amd-result degraded to safe hangup",
			zap.String("call_sid", callSID.String()),
			zap.String("answered_by", string(answeredBy)),
			zap.Error(err))
		return SafeHangupMarkup()
	}
	return markup
}

func (e *Engine) amdResult(callSID model.SID, answeredBy model.AnsweredBy) ([]byte, error) {
	var markup []byte
	err := e.store.Update(callSID, func(s *model.CallSession) error {
		if s.AnsweredBy != nil {
			e.logger.Info("duplicate amd-result absorbed",
				zap.String("call_sid", callSID.String()),
				zap.String("first", string(*s.AnsweredBy)),
				zap.String("repeat", string(answeredBy)))
			markup = s.AmdMarkup
			return nil
		}
		if s.State.IsTerminal() {
			return fmt.Errorf("amd-result for %s session: %w", s.State, ErrDuplicateEvent)
		}

		now := e.clock.Now()
		if s.State != model.StateAmdPending {
			if err := s.Transition(model.StateAmdPending, now); err != nil {
				return err
			}
		}

		by := answeredBy
		s.AnsweredBy = &by

		action := Decide(answeredBy)
		var err error
		switch action {
		case SpeakHumanMessage:
			if err = s.Transition(model.StateHumanConnected, now); err != nil {
				return err
			}
			markup, err = twiml.Render(&twiml.Response{Children: []twiml.Node{
				&twiml.Say{Text: HumanMessage},
			}})
		case PromptAndRecordVoicemail:
			if err = s.Transition(model.StateMachineRecording, now); err != nil {
				return err
			}
			markup, err = e.renderVoicemailDirective()
			if err != nil {
				return err
			}
			// The record directive is issued with the returned markup;
			// the session is already waiting on the transcription by the
			// time the provider executes it.
			err = s.Transition(model.StateTranscriptionPending, now)
		case SpeakFallbackAndHangup:
			if err = s.Transition(model.StateFailed, now); err != nil {
				return err
			}
			markup, err = twiml.Render(&twiml.Response{Children: []twiml.Node{
				&twiml.Say{Text: FallbackMessage},
				&twiml.Hangup{},
			}})
		}
		if err != nil {
			return err
		}

		s.AmdMarkup = markup
		e.logger.Info("amd classified",
			zap.String("call_sid", callSID.String()),
			zap.String("answered_by", string(answeredBy)),
			zap.Stringer("action", action),
			zap.String("state", string(s.State)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return markup, nil
}

func (e *Engine) renderVoicemailDirective() ([]byte, error) {
	var prompt twiml.Node = &twiml.Say{Text: VoicemailPrompt}
	if e.promptAudioURL != "" {
		prompt = &twiml.Play{URL: e.promptAudioURL}
	}
	return twiml.Render(&twiml.Response{Children: []twiml.Node{
		prompt,
		&twiml.Record{
			TimeoutInSeconds:   RecordTimeout,
			MaxLength:          e.recordMaxLength,
			PlayBeep:           true,
			Transcribe:         true,
			TranscribeCallback: e.transcribeURL,
		},
		&twiml.Hangup{},
	}})
}

// HandleTranscription finalizes the voicemail path: it stores the
// recording URL and transcription text and completes the session. A
// repeat delivery for an already-completed session is accepted and
// ignored, since the provider retries transcription callbacks.
func (e *Engine) HandleTranscription(callSID model.SID, recordingURL, transcriptionText string) error {
	err := e.store.Update(callSID, func(s *model.CallSession) error {
		switch s.State {
		case model.StateTranscriptionPending:
			now := e.clock.Now()
			if err := s.Transition(model.StateCompleted, now); err != nil {
				return err
			}
			s.RecordingURL = recordingURL
			s.TranscriptionText = transcriptionText
			e.logger.Info("transcription received",
				zap.String("call_sid", callSID.String()),
				zap.String("recording_url", recordingURL),
				zap.Int("transcription_chars", len(transcriptionText)))
			return nil
		case model.StateCompleted:
			e.logger.Info("duplicate transcription absorbed",
				zap.String("call_sid", callSID.String()))
			return nil
		default:
			return fmt.Errorf("transcription for %s session: %w", s.State, ErrDuplicateEvent)
		}
	})
	if err == ErrSessionNotFound {
		e.logger.Warn("transcription for unknown call",
			zap.String("call_sid", callSID.String()))
	}
	return err
}

// HandleCallStatus processes the provider's status callbacks. A
// completed status finalizes the human path; busy, failed, no-answer and
// canceled fail any non-terminal session. While a transcription is
// pending the completed status is ignored, because the hangup after the
// record directive always precedes the transcription callback.
func (e *Engine) HandleCallStatus(callSID model.SID, callStatus string) error {
	return e.store.Update(callSID, func(s *model.CallSession) error {
		now := e.clock.Now()
		switch callStatus {
		case "completed":
			switch s.State {
			case model.StateHumanConnected:
				return s.Transition(model.StateCompleted, now)
			case model.StateMachineRecording, model.StateTranscriptionPending:
				return nil // transcription callback owns finalization
			case model.StateCompleted, model.StateFailed:
				return nil
			default:
				// Call ended before any classification arrived
				e.logger.Warn("call completed without classification",
					zap.String("call_sid", callSID.String()),
					zap.String("state", string(s.State)))
				return s.Transition(model.StateFailed, now)
			}
		case "busy", "failed", "no-answer", "canceled":
			if s.State.IsTerminal() {
				return nil
			}
			e.logger.Info("call failed by provider status",
				zap.String("call_sid", callSID.String()),
				zap.String("call_status", callStatus))
			return s.Transition(model.StateFailed, now)
		default:
			// initiated, ringing, answered, in-progress: progress
			// signals with no session impact
			return nil
		}
	})
}

var safeHangupMarkup = mustRender(&twiml.Response{Children: []twiml.Node{
	&twiml.Say{Text: ApologyMessage},
	&twiml.Hangup{},
}})

// SafeHangupMarkup is the terminal markup returned whenever a webhook
// cannot be served properly: an apology followed by a hangup, so the
// live call is never left open in an undefined state.
func SafeHangupMarkup() []byte {
	return safeHangupMarkup
}

func mustRender(resp *twiml.Response) []byte {
	b, err := twiml.Render(resp)
	if err != nil {
		panic(fmt.Sprintf("rendering static markup: %v", err))
	}
	return b
}
