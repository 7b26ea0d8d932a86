// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (c) 2025 Spruce Health

// Command dialout runs the outbound call service: a small HTTP API for
// placing calls plus the provider webhook endpoints that walk each call
// through answering-machine detection, voicemail capture, and
// transcription.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sprucehealth/dialout/config"
	"github.com/sprucehealth/dialout/engine"
	"github.com/sprucehealth/dialout/server"
	"github.com/sprucehealth/dialout/twilioapi"
)

func main() {
	// Missing .env is fine; the environment may be set by the host.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	dialer := twilioapi.NewDialer(twilioapi.Config{
		AccountSID:    cfg.AccountSID,
		AuthToken:     cfg.AuthToken,
		FromNumber:    cfg.PhoneNumber,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSessionTTL(cfg.SessionTTL),
		engine.WithReapInterval(cfg.ReapInterval),
		engine.WithRecordMaxLength(cfg.RecordMaxLength),
		engine.WithTranscribeCallbackURL(cfg.PublicBaseURL + twilioapi.PathTranscriptionCallback),
	}
	if cfg.VoicemailPromptURL != "" {
		opts = append(opts, engine.WithVoicemailPromptAudio(cfg.VoicemailPromptURL))
	}
	e := engine.New(dialer, opts...)
	defer e.Close()

	srv := server.New(e, dialer, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
