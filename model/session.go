// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// SID represents a Twilio-like identifier with a prefix
type SID string

func (s SID) String() string {
	return string(s)
}

// SessionState represents where a call session is in its lifecycle
type SessionState string

const (
	StateInitiated            SessionState = "initiated"
	StateAwaitingAnswer       SessionState = "awaiting-answer"
	StateAmdPending           SessionState = "amd-pending"
	StateHumanConnected       SessionState = "human-connected"
	StateMachineRecording     SessionState = "machine-recording"
	StateTranscriptionPending SessionState = "transcription-pending"
	StateCompleted            SessionState = "completed"
	StateFailed               SessionState = "failed"
)

func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed:
		return true
	case StateInitiated, StateAwaitingAnswer, StateAmdPending,
		StateHumanConnected, StateMachineRecording, StateTranscriptionPending:
		return false
	default:
		panic(fmt.Sprintf("unknown session state: %s", s))
	}
}

// validTransitions defines the forward partial order of the session
// lifecycle. Skips are allowed where the provider can deliver events out
// of order (an AMD result may beat the initial-connect webhook). Failed
// is reachable from every non-terminal state and is handled in
// CanTransitionTo rather than listed per state.
var validTransitions = map[SessionState][]SessionState{
	StateInitiated:            {StateAwaitingAnswer, StateAmdPending},
	StateAwaitingAnswer:       {StateAmdPending},
	StateAmdPending:           {StateHumanConnected, StateMachineRecording},
	StateHumanConnected:       {StateCompleted},
	StateMachineRecording:     {StateTranscriptionPending},
	StateTranscriptionPending: {StateCompleted},
	StateCompleted:            {},
	StateFailed:               {},
}

// CanTransitionTo reports whether moving from s to next is legal
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if next == StateFailed {
		return !s.IsTerminal()
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AnsweredBy is Twilio's answering machine detection classification
type AnsweredBy string

const (
	AnsweredByHuman             AnsweredBy = "human"
	AnsweredByMachineStart      AnsweredBy = "machine_start"
	AnsweredByMachineEndBeep    AnsweredBy = "machine_end_beep"
	AnsweredByMachineEndSilence AnsweredBy = "machine_end_silence"
	AnsweredByMachineEndOther   AnsweredBy = "machine_end_other"
	AnsweredByFax               AnsweredBy = "fax"
	AnsweredByUnknown           AnsweredBy = "unknown"
)

// ParseAnsweredBy maps a wire value onto the closed enumeration. Values
// Twilio adds in the future come back as AnsweredByUnknown rather than
// leaking arbitrary strings into the state machine.
func ParseAnsweredBy(v string) (AnsweredBy, bool) {
	switch AnsweredBy(v) {
	case AnsweredByHuman, AnsweredByMachineStart, AnsweredByMachineEndBeep,
		AnsweredByMachineEndSilence, AnsweredByMachineEndOther,
		AnsweredByFax, AnsweredByUnknown:
		return AnsweredBy(v), true
	default:
		return AnsweredByUnknown, false
	}
}

// CallSession is the tracked state of one outbound call. CallSID and
// PhoneNumber are immutable after creation; everything else is mutated
// only by the callback router, under the store's per-call lock.
type CallSession struct {
	CallSID     SID          `json:"call_sid"`
	PhoneNumber string       `json:"phone_number"`
	State       SessionState `json:"state"`

	// AnsweredBy is set exactly once, by the first AMD result.
	AnsweredBy *AnsweredBy `json:"answered_by,omitempty"`

	// AmdMarkup is the markup decided for the first AMD result; duplicate
	// deliveries get this back verbatim instead of a fresh decision.
	AmdMarkup []byte `json:"-"`

	RecordingURL      string `json:"recording_url,omitempty"`
	TranscriptionText string `json:"transcription_text,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition moves the session to next if the partial order allows it
func (cs *CallSession) Transition(next SessionState, now time.Time) error {
	if !cs.State.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s for call %s", cs.State, next, cs.CallSID)
	}
	cs.State = next
	cs.UpdatedAt = now
	return nil
}

var callCounter uint64

// NewFakeCallSID generates a Call SID in Twilio's shape (CAFAKE prefix,
// 34 chars total) for tests and stub dialers. Real Call SIDs are assigned
// by the provider.
func NewFakeCallSID() SID {
	counter := atomic.AddUint64(&callCounter, 1)
	b := make([]byte, 7)
	rand.Read(b)
	return SID(fmt.Sprintf("CAFAKE%014x%s", counter, hex.EncodeToString(b)[:14]))
}
