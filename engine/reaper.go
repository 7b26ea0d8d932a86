// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/sprucehealth/dialout/model"
)

// runReaper is the engine's only background task. It periodically fails
// sessions that stopped receiving callbacks and evicts terminal sessions
// once they have aged out.
func (e *Engine) runReaper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.reapInterval):
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.clock.Now()

	for _, sid := range e.store.SIDs() {
		session, err := e.store.Get(sid)
		if err != nil {
			continue // evicted since listing
		}
		if now.Sub(session.UpdatedAt) < e.sessionTTL {
			continue
		}

		if session.State.IsTerminal() {
			e.store.Delete(sid)
			e.logger.Debug("terminal session evicted",
				zap.String("call_sid", sid.String()),
				zap.String("state", string(session.State)))
			continue
		}

		err = e.store.Update(sid, func(s *model.CallSession) error {
			// Re-check under the lock; a callback may have landed
			// between the snapshot and now.
			if s.State.IsTerminal() || now.Sub(s.UpdatedAt) < e.sessionTTL {
				return nil
			}
			from := s.State
			if err := s.Transition(model.StateFailed, now); err != nil {
				return err
			}
			e.logger.Warn("session reaped after inactivity",
				zap.String("call_sid", sid.String()),
				zap.String("last_state", string(from)),
				zap.Duration("ttl", e.sessionTTL))
			return nil
		})
		if err != nil {
			e.logger.Error("reaper sweep failed",
				zap.String("call_sid", sid.String()),
				zap.Error(err))
		}
	}
}
