// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"errors"
	"fmt"

	"github.com/twilio/twilio-go/client"
)

// ErrSessionNotFound is returned when a webhook references a call SID
// with no tracked session.
var ErrSessionNotFound = errors.New("call session not found")

// ErrDuplicateEvent marks an idempotent re-delivery. It is absorbed by
// the handlers, never surfaced to the provider as a failure.
var ErrDuplicateEvent = errors.New("duplicate event delivery")

// ValidationError reports malformed caller input. No side effects have
// occurred when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError reports a failure from the telephony provider's API.
// The session is not persisted when call creation fails this way.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// RestError extracts the underlying Twilio REST error, if the provider
// returned a structured one.
func (e *ProviderError) RestError() (*client.TwilioRestError, bool) {
	var restErr *client.TwilioRestError
	if errors.As(e.Err, &restErr) {
		return restErr, true
	}
	return nil, false
}
