// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (c) 2025 Spruce Health

package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sprucehealth/dialout/engine"
	"github.com/sprucehealth/dialout/model"
	"github.com/sprucehealth/dialout/twiml"
)

// fakeDialer stands in for the provider API
type fakeDialer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *fakeDialer) CreateCall(_ context.Context, to string) (model.SID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.calls = append(d.calls, to)
	return model.NewFakeCallSID(), nil
}

func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	opts = append([]engine.Option{
		engine.WithClock(engine.NewManualClock(time.Time{})),
		engine.WithReapInterval(0), // reaper covered separately
	}, opts...)
	e := engine.New(dialer, opts...)
	t.Cleanup(func() { e.Close() })
	return e, dialer
}

func mustParse(t *testing.T, markup []byte) *twiml.Response {
	t.Helper()
	resp, err := twiml.Parse(markup)
	if err != nil {
		t.Fatalf("returned markup does not parse: %v\nmarkup: %s", err, markup)
	}
	return resp
}

func hasVerb[T twiml.Node](resp *twiml.Response) bool {
	for _, child := range resp.Children {
		if _, ok := child.(T); ok {
			return true
		}
	}
	return false
}

func TestInitiateCallCreatesSession(t *testing.T) {
	e, dialer := newTestEngine(t)

	session, err := e.InitiateCall(context.Background(), "+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if session.CallSID == "" {
		t.Fatal("expected non-empty call SID")
	}
	if session.State != model.StateInitiated {
		t.Fatalf("state = %s, want initiated", session.State)
	}
	if len(dialer.calls) != 1 || dialer.calls[0] != "+15551234567" {
		t.Fatalf("dialer calls = %v", dialer.calls)
	}

	stored, err := e.Session(session.CallSID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PhoneNumber != "+15551234567" {
		t.Fatalf("stored number = %s", stored.PhoneNumber)
	}
}

func TestInitiateCallValidation(t *testing.T) {
	e, dialer := newTestEngine(t)

	for _, number := range []string{"", "5551234567", "+0123", "not-a-number", "+1555123456789012345"} {
		_, err := e.InitiateCall(context.Background(), number)
		var vErr *engine.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("InitiateCall(%q) error = %v, want ValidationError", number, err)
		}
	}
	if len(dialer.calls) != 0 {
		t.Fatalf("validation failures must not dial, got %v", dialer.calls)
	}
}

func TestInitiateCallProviderFailure(t *testing.T) {
	e, dialer := newTestEngine(t)
	dialer.err = &engine.ProviderError{Op: "CreateCall", Err: errors.New("rate limited")}

	_, err := e.InitiateCall(context.Background(), "+15551234567")
	var pErr *engine.ProviderError
	if !errors.As(err, &pErr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	// No session must exist for a failed dial; the store should be empty,
	// which we can only observe by the absence of any tracked session.
}

func TestInitialConnectTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	session, err := e.InitiateCall(context.Background(), "+15551234567")
	if err != nil {
		t.Fatal(err)
	}

	markup := e.HandleInitialConnect(session.CallSID)
	resp := mustParse(t, markup)
	say, ok := resp.Children[0].(*twiml.Say)
	if !ok || say.Text != engine.HoldMessage {
		t.Fatalf("expected hold message, got %s", markup)
	}
	if hasVerb[*twiml.Hangup](resp) {
		t.Fatal("hold markup must not hang up")
	}

	got, _ := e.Session(session.CallSID)
	if got.State != model.StateAwaitingAnswer {
		t.Fatalf("state = %s, want awaiting-answer", got.State)
	}

	// Retry delivery: same markup, no state change
	again := e.HandleInitialConnect(session.CallSID)
	if string(again) != string(markup) {
		t.Fatalf("retry markup differs:\n%s\n%s", again, markup)
	}
	got, _ = e.Session(session.CallSID)
	if got.State != model.StateAwaitingAnswer {
		t.Fatalf("retry changed state to %s", got.State)
	}
}

func TestAMDHuman(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)

	markup := e.HandleAMDResult(session.CallSID, model.AnsweredByHuman)
	resp := mustParse(t, markup)

	say, ok := resp.Children[0].(*twiml.Say)
	if !ok || say.Text != engine.HumanMessage {
		t.Fatalf("expected human greeting, got %s", markup)
	}
	if hasVerb[*twiml.Record](resp) {
		t.Fatal("human markup must not contain a record directive")
	}
	if hasVerb[*twiml.Hangup](resp) {
		t.Fatal("human markup must keep the call open")
	}

	got, _ := e.Session(session.CallSID)
	if got.State != model.StateHumanConnected {
		t.Fatalf("state = %s, want human-connected", got.State)
	}
}

func TestAMDMachine(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)

	markup := e.HandleAMDResult(session.CallSID, model.AnsweredByMachineEndBeep)
	resp := mustParse(t, markup)

	if len(resp.Children) != 3 {
		t.Fatalf("expected Say+Record+Hangup, got %s", markup)
	}
	say, ok := resp.Children[0].(*twiml.Say)
	if !ok || say.Text != engine.VoicemailPrompt {
		t.Fatalf("expected voicemail prompt, got %s", markup)
	}
	rec, ok := resp.Children[1].(*twiml.Record)
	if !ok {
		t.Fatalf("expected record directive, got %T", resp.Children[1])
	}
	if !rec.Transcribe {
		t.Error("record directive must request transcription")
	}
	if rec.MaxLength != engine.DefaultRecordMax {
		t.Errorf("maxLength = %v, want %v", rec.MaxLength, engine.DefaultRecordMax)
	}
	if rec.TranscribeCallback == "" {
		t.Error("record directive must register the transcription callback")
	}
	if _, ok := resp.Children[2].(*twiml.Hangup); !ok {
		t.Fatal("voicemail markup must end with hangup")
	}

	got, _ := e.Session(session.CallSID)
	if got.State != model.StateTranscriptionPending {
		t.Fatalf("state = %s, want transcription-pending", got.State)
	}
}

func TestAMDUnknown(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)

	markup := e.HandleAMDResult(session.CallSID, model.AnsweredByUnknown)
	resp := mustParse(t, markup)

	say, ok := resp.Children[0].(*twiml.Say)
	if !ok || say.Text != engine.FallbackMessage {
		t.Fatalf("expected fallback message, got %s", markup)
	}
	if !hasVerb[*twiml.Hangup](resp) {
		t.Fatal("fallback markup must hang up")
	}

	got, _ := e.Session(session.CallSID)
	if got.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}

func TestAMDDuplicateIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)

	first := e.HandleAMDResult(session.CallSID, model.AnsweredByMachineEndBeep)
	stateAfterFirst, _ := e.Session(session.CallSID)

	// Identical retry
	second := e.HandleAMDResult(session.CallSID, model.AnsweredByMachineEndBeep)
	if string(second) != string(first) {
		t.Fatalf("duplicate delivery markup differs:\n%s\n%s", second, first)
	}

	// Conflicting retry: first classification wins
	third := e.HandleAMDResult(session.CallSID, model.AnsweredByHuman)
	if string(third) != string(first) {
		t.Fatalf("conflicting delivery re-decided:\n%s\n%s", third, first)
	}

	got, _ := e.Session(session.CallSID)
	if got.State != stateAfterFirst.State {
		t.Fatalf("duplicate delivery moved state %s -> %s", stateAfterFirst.State, got.State)
	}
	if got.AnsweredBy == nil || *got.AnsweredBy != model.AnsweredByMachineEndBeep {
		t.Fatalf("classification overwritten: %v", got.AnsweredBy)
	}
}

func TestAMDBeforeInitialConnect(t *testing.T) {
	// The provider can deliver the AMD result before (or instead of)
	// the initial-connect webhook.
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")

	markup := e.HandleAMDResult(session.CallSID, model.AnsweredByHuman)
	mustParse(t, markup)

	got, _ := e.Session(session.CallSID)
	if got.State != model.StateHumanConnected {
		t.Fatalf("state = %s, want human-connected", got.State)
	}

	// And a late initial-connect must not move the session backward
	e.HandleInitialConnect(session.CallSID)
	got, _ = e.Session(session.CallSID)
	if got.State != model.StateHumanConnected {
		t.Fatalf("late initial-connect moved state to %s", got.State)
	}
}

func TestUnknownSessionGetsSafeMarkup(t *testing.T) {
	e, _ := newTestEngine(t)

	for name, markup := range map[string][]byte{
		"initial-connect": e.HandleInitialConnect(model.SID("CA00000000000000000000000000000000")),
		"amd-result":      e.HandleAMDResult(model.SID("CA00000000000000000000000000000000"), model.AnsweredByHuman),
	} {
		resp := mustParse(t, markup)
		if !hasVerb[*twiml.Hangup](resp) {
			t.Errorf("%s: safe markup must hang up, got %s", name, markup)
		}
		if !hasVerb[*twiml.Say](resp) {
			t.Errorf("%s: safe markup must apologize, got %s", name, markup)
		}
	}
}

func TestTranscriptionCompletesSession(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)
	e.HandleAMDResult(session.CallSID, model.AnsweredByMachineEndSilence)

	err := e.HandleTranscription(session.CallSID, "https://api.example.com/rec/RE123", "call me back please")
	if err != nil {
		t.Fatal(err)
	}

	got, _ := e.Session(session.CallSID)
	if got.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.RecordingURL != "https://api.example.com/rec/RE123" {
		t.Fatalf("recording url = %s", got.RecordingURL)
	}
	if got.TranscriptionText != "call me back please" {
		t.Fatalf("transcription = %s", got.TranscriptionText)
	}

	// Provider retry for the already-completed session: accepted, ignored
	err = e.HandleTranscription(session.CallSID, "https://api.example.com/rec/OTHER", "different text")
	if err != nil {
		t.Fatalf("retry must be absorbed, got %v", err)
	}
	got, _ = e.Session(session.CallSID)
	if got.RecordingURL != "https://api.example.com/rec/RE123" {
		t.Fatal("retry must not overwrite the recording URL")
	}
	if got.TranscriptionText != "call me back please" {
		t.Fatal("retry must not overwrite the transcription")
	}
}

func TestTranscriptionRequiresPendingState(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")

	err := e.HandleTranscription(session.CallSID, "https://api.example.com/rec/RE123", "text")
	if !errors.Is(err, engine.ErrDuplicateEvent) {
		t.Fatalf("error = %v, want ErrDuplicateEvent", err)
	}
	got, _ := e.Session(session.CallSID)
	if got.RecordingURL != "" || got.TranscriptionText != "" {
		t.Fatal("recording fields must only be set on the machine path")
	}
}

func TestCallStatusCompletesHumanPath(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)
	e.HandleAMDResult(session.CallSID, model.AnsweredByHuman)

	if err := e.HandleCallStatus(session.CallSID, "completed"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Session(session.CallSID)
	if got.State != model.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}

	// Out-of-order status after terminal state is absorbed
	if err := e.HandleCallStatus(session.CallSID, "failed"); err != nil {
		t.Fatal(err)
	}
	got, _ = e.Session(session.CallSID)
	if got.State != model.StateCompleted {
		t.Fatalf("late status moved state to %s", got.State)
	}
}

func TestCallStatusDoesNotPreemptTranscription(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)
	e.HandleAMDResult(session.CallSID, model.AnsweredByMachineEndBeep)

	if err := e.HandleCallStatus(session.CallSID, "completed"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Session(session.CallSID)
	if got.State != model.StateTranscriptionPending {
		t.Fatalf("state = %s, want transcription-pending", got.State)
	}
}

func TestCallStatusFailsAbandonedCall(t *testing.T) {
	e, _ := newTestEngine(t)
	session, _ := e.InitiateCall(context.Background(), "+15551234567")

	if err := e.HandleCallStatus(session.CallSID, "no-answer"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Session(session.CallSID)
	if got.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}

func TestVoicemailPromptAudioOverride(t *testing.T) {
	e, _ := newTestEngine(t,
		engine.WithVoicemailPromptAudio("https://cdn.example.com/voicemail-prompt.mp3"))
	session, _ := e.InitiateCall(context.Background(), "+15551234567")
	e.HandleInitialConnect(session.CallSID)

	markup := e.HandleAMDResult(session.CallSID, model.AnsweredByMachineStart)
	resp := mustParse(t, markup)

	play, ok := resp.Children[0].(*twiml.Play)
	if !ok {
		t.Fatalf("expected Play prompt, got %T in %s", resp.Children[0], markup)
	}
	if play.URL != "https://cdn.example.com/voicemail-prompt.mp3" {
		t.Fatalf("prompt url = %s", play.URL)
	}
}

func TestMarkupStrings(t *testing.T) {
	// The wire bytes are part of the provider contract; pin them.
	e, _ := newTestEngine(t,
		engine.WithTranscribeCallbackURL("/transcription-callback"))
	session, _ := e.InitiateCall(context.Background(), "+15551234567")

	hold := e.HandleInitialConnect(session.CallSID)
	wantHold := `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Please wait while we connect your call.</Say></Response>`
	if string(hold) != wantHold {
		t.Fatalf("hold markup:\n got: %s\nwant: %s", hold, wantHold)
	}

	voicemail := e.HandleAMDResult(session.CallSID, model.AnsweredByMachineEndBeep)
	wantVoicemail := `<?xml version="1.0" encoding="UTF-8"?><Response>` +
		`<Say>Please leave your message after the beep.</Say>` +
		`<Record timeout="10" maxLength="120" transcribe="true" transcribeCallback="/transcription-callback"/>` +
		`<Hangup/></Response>`
	if string(voicemail) != wantVoicemail {
		t.Fatalf("voicemail markup:\n got: %s\nwant: %s", voicemail, wantVoicemail)
	}

	if !strings.Contains(string(engine.SafeHangupMarkup()), "<Hangup/>") {
		t.Fatal("safe markup must contain a hangup")
	}
}
