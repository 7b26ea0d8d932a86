// Package twilioapi places outbound calls through the Twilio REST API
// with answering machine detection enabled and all lifecycle callbacks
// registered against this service's public URL.
package twilioapi

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/sprucehealth/dialout/engine"
	"github.com/sprucehealth/dialout/model"
	"github.com/sprucehealth/dialout/twiml"
)

// Webhook paths registered with the provider at call creation. The
// server package mounts its handlers on the same paths.
const (
	PathInitialInstructions   = "/initial-call-instructions"
	PathAMDCallback           = "/amd-callback"
	PathTranscriptionCallback = "/transcription-callback"
	PathStatusCallback        = "/status-callback"
)

// statusCallbackEvents are the lifecycle events the provider reports to
// the status callback. Terminal ones drive session finalization.
var statusCallbackEvents = []string{"completed"}

// CallsAPI is the slice of the Twilio REST client the dialer uses
type CallsAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// Config holds the provider credentials and addressing for the dialer
type Config struct {
	AccountSID string
	AuthToken  string
	// FromNumber is the provisioned caller ID for all outbound calls
	FromNumber string
	// PublicBaseURL is the externally reachable root of this service,
	// used to build every callback URL registered with the provider
	PublicBaseURL string
}

// Dialer implements engine.Dialer against the Twilio REST API
type Dialer struct {
	api    CallsAPI
	cfg    Config
	logger *zap.Logger
}

var _ engine.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer backed by the real Twilio REST client
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewDialerWithAPI(client.Api, cfg, logger)
}

// NewDialerWithAPI creates a dialer on an explicit API implementation
// (tests substitute a stub here)
func NewDialerWithAPI(api CallsAPI, cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{api: api, cfg: cfg, logger: logger}
}

// CreateCall dials the destination with machine detection running and
// the initial-connect, AMD and status callbacks registered. Returns the
// provider-assigned call SID.
func (d *Dialer) CreateCall(_ context.Context, to string) (model.SID, error) {
	params := d.buildCreateCallParams(to)

	resp, err := d.api.CreateCall(params)
	if err != nil {
		d.logger.Error("provider rejected call creation",
			zap.String("to", to),
			zap.Error(err))
		return "", &engine.ProviderError{Op: "CreateCall", Err: err}
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", &engine.ProviderError{Op: "CreateCall", Err: fmt.Errorf("response carried no call SID")}
	}

	d.logger.Info("call created",
		zap.String("call_sid", *resp.Sid),
		zap.String("to", to))
	return model.SID(*resp.Sid), nil
}

func (d *Dialer) buildCreateCallParams(to string) *openapi.CreateCallParams {
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.FromNumber)
	params.SetUrl(d.cfg.PublicBaseURL + PathInitialInstructions)
	params.SetMethod("POST")

	// DetectMessageEnd holds the line through a machine greeting so the
	// voicemail prompt lands after the beep
	params.SetMachineDetection("DetectMessageEnd")
	params.SetAsyncAmd("true")
	params.SetAsyncAmdStatusCallback(d.cfg.PublicBaseURL + PathAMDCallback)
	params.SetAsyncAmdStatusCallbackMethod("POST")

	params.SetStatusCallback(d.cfg.PublicBaseURL + PathStatusCallback)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent(statusCallbackEvents)
	return params
}

// CreateTestCall places a plain call that speaks a canned message and
// hangs up, with no machine detection and no session tracking. Used to
// verify provider credentials and number provisioning end to end.
func (d *Dialer) CreateTestCall(_ context.Context, to string) (model.SID, error) {
	markup, err := twiml.Render(&twiml.Response{Children: []twiml.Node{
		&twiml.Say{Text: "This is a simple test call from your Twilio API setup. If you hear this, your configuration is likely working!"},
		&twiml.Hangup{},
	}})
	if err != nil {
		return "", fmt.Errorf("rendering test call markup: %w", err)
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.FromNumber)
	params.SetTwiml(string(markup))

	resp, err := d.api.CreateCall(params)
	if err != nil {
		return "", &engine.ProviderError{Op: "CreateCall", Err: err}
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", &engine.ProviderError{Op: "CreateCall", Err: fmt.Errorf("response carried no call SID")}
	}
	return model.SID(*resp.Sid), nil
}
