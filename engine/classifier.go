// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"fmt"

	"github.com/sprucehealth/dialout/model"
)

// Action is the call-control decision for an AMD classification
type Action int

const (
	// SpeakHumanMessage greets the human and keeps the call open
	SpeakHumanMessage Action = iota
	// PromptAndRecordVoicemail plays the voicemail prompt, records with
	// transcription, then hangs up
	PromptAndRecordVoicemail
	// SpeakFallbackAndHangup apologizes and ends the call
	SpeakFallbackAndHangup
)

func (a Action) String() string {
	switch a {
	case SpeakHumanMessage:
		return "speak-human-message"
	case PromptAndRecordVoicemail:
		return "prompt-and-record-voicemail"
	case SpeakFallbackAndHangup:
		return "speak-fallback-and-hangup"
	default:
		return fmt.Sprintf("unknown-action(%d)", a)
	}
}

// Decide maps an AMD classification onto a call-control action. Pure and
// total over the AnsweredBy enumeration: the same input always yields the
// same output, which is what makes re-rendering a duplicate delivery
// safe. Wire values outside the enumeration are normalized to
// AnsweredByUnknown by model.ParseAnsweredBy before reaching this point.
func Decide(by model.AnsweredBy) Action {
	switch by {
	case model.AnsweredByHuman:
		return SpeakHumanMessage
	case model.AnsweredByMachineStart,
		model.AnsweredByMachineEndBeep,
		model.AnsweredByMachineEndSilence,
		model.AnsweredByMachineEndOther:
		return PromptAndRecordVoicemail
	case model.AnsweredByFax, model.AnsweredByUnknown:
		return SpeakFallbackAndHangup
	}
	return SpeakFallbackAndHangup
}
