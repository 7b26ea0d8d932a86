// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine_test

import (
	"testing"

	"github.com/sprucehealth/dialout/engine"
	"github.com/sprucehealth/dialout/model"
)

func TestDecideIsTotal(t *testing.T) {
	want := map[model.AnsweredBy]engine.Action{
		model.AnsweredByHuman:             engine.SpeakHumanMessage,
		model.AnsweredByMachineStart:      engine.PromptAndRecordVoicemail,
		model.AnsweredByMachineEndBeep:    engine.PromptAndRecordVoicemail,
		model.AnsweredByMachineEndSilence: engine.PromptAndRecordVoicemail,
		model.AnsweredByMachineEndOther:   engine.PromptAndRecordVoicemail,
		model.AnsweredByFax:               engine.SpeakFallbackAndHangup,
		model.AnsweredByUnknown:           engine.SpeakFallbackAndHangup,
	}

	for by, action := range want {
		if got := engine.Decide(by); got != action {
			t.Errorf("Decide(%s) = %s, want %s", by, got, action)
		}
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	for _, by := range []model.AnsweredBy{
		model.AnsweredByHuman,
		model.AnsweredByMachineEndBeep,
		model.AnsweredByFax,
		model.AnsweredByUnknown,
	} {
		first := engine.Decide(by)
		for i := 0; i < 100; i++ {
			if got := engine.Decide(by); got != first {
				t.Fatalf("Decide(%s) changed from %s to %s on iteration %d", by, first, got, i)
			}
		}
	}
}
