// Package config builds the process configuration once at startup from
// environment variables. The resulting object is passed by reference
// into each component; nothing reads the environment after this.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names. The provider credential names match what
// the Twilio console documents.
const (
	EnvAccountSID       = "TWILIO_ACCOUNT_SID"
	EnvAuthToken        = "TWILIO_AUTH_TOKEN"
	EnvPhoneNumber      = "TWILIO_PHONE_NUMBER"
	EnvPublicBaseURL    = "PUBLIC_BASE_URL"
	EnvListenAddr       = "LISTEN_ADDR"
	EnvSessionTTL       = "SESSION_TTL"
	EnvReapInterval     = "REAP_INTERVAL"
	EnvRecordMaxLength  = "RECORD_MAX_LENGTH"
	EnvVoicemailPrompt  = "VOICEMAIL_PROMPT_URL"
	EnvVerifySignatures = "VERIFY_SIGNATURES"
)

// Config is the process configuration
type Config struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string

	// PublicBaseURL is the externally reachable root of this service,
	// registered with the provider for every callback
	PublicBaseURL string
	ListenAddr    string

	SessionTTL      time.Duration
	ReapInterval    time.Duration
	RecordMaxLength time.Duration

	// VoicemailPromptURL optionally replaces the spoken voicemail prompt
	// with a hosted audio artifact
	VoicemailPromptURL string

	// VerifySignatures controls webhook signature verification. On by
	// default; only disable for local development.
	VerifySignatures bool
}

// FromEnv loads configuration from the environment
func FromEnv() (*Config, error) {
	cfg := &Config{
		AccountSID:         os.Getenv(EnvAccountSID),
		AuthToken:          os.Getenv(EnvAuthToken),
		PhoneNumber:        os.Getenv(EnvPhoneNumber),
		PublicBaseURL:      os.Getenv(EnvPublicBaseURL),
		ListenAddr:         os.Getenv(EnvListenAddr),
		VoicemailPromptURL: os.Getenv(EnvVoicemailPrompt),
		SessionTTL:         5 * time.Minute,
		ReapInterval:       30 * time.Second,
		RecordMaxLength:    120 * time.Second,
		VerifySignatures:   true,
	}

	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("%s is required", EnvAccountSID)
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("%s is required", EnvAuthToken)
	}
	if cfg.PhoneNumber == "" {
		return nil, fmt.Errorf("%s is required", EnvPhoneNumber)
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("%s is required", EnvPublicBaseURL)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":5000"
	}

	var err error
	if cfg.SessionTTL, err = durationEnv(EnvSessionTTL, cfg.SessionTTL); err != nil {
		return nil, err
	}
	if cfg.ReapInterval, err = durationEnv(EnvReapInterval, cfg.ReapInterval); err != nil {
		return nil, err
	}
	if cfg.RecordMaxLength, err = durationEnv(EnvRecordMaxLength, cfg.RecordMaxLength); err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvVerifySignatures); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvVerifySignatures, err)
		}
		cfg.VerifySignatures = verify
	}

	return cfg, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return d, nil
}
