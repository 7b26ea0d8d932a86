// Package httpstub delivers provider-style webhooks to a running
// server: form-encoded POSTs signed the way Twilio signs its callbacks.
// It exists so server tests can exercise real signature verification and
// real retry behavior without a live provider.
package httpstub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// SignatureHeader is the header Twilio carries its request signature in
const SignatureHeader = "X-Twilio-Signature"

// Sign computes the Twilio request signature for a form POST: the full
// URL concatenated with every parameter name and value in sorted-name
// order, HMAC-SHA1 keyed by the auth token, base64 encoded.
func Sign(authToken, fullURL string, form url.Values) string {
	names := make([]string, 0, len(form))
	for name := range form {
		names = append(names, name)
	}
	sort.Strings(names)

	var payload strings.Builder
	payload.WriteString(fullURL)
	for _, name := range names {
		for _, value := range form[name] {
			payload.WriteString(name)
			payload.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DeliveryClient posts webhooks to a test server while signing them for
// the public URL the server validates against (the two differ when the
// server sits behind an httptest listener).
type DeliveryClient struct {
	client        *http.Client
	authToken     string
	publicBaseURL string
}

// NewDeliveryClient creates a delivery client signing with authToken for
// publicBaseURL
func NewDeliveryClient(authToken, publicBaseURL string, timeout time.Duration) *DeliveryClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &DeliveryClient{
		client:        &http.Client{Timeout: timeout},
		authToken:     authToken,
		publicBaseURL: publicBaseURL,
	}
}

// Deliver POSTs the form to serverURL+path with a signature computed
// over publicBaseURL+path, exactly as the provider would
func (c *DeliveryClient) Deliver(ctx context.Context, serverURL, path string, form url.Values) (status int, body []byte, err error) {
	return c.post(ctx, serverURL, path, form, Sign(c.authToken, c.publicBaseURL+path, form))
}

// DeliverUnsigned POSTs the form without any signature header
func (c *DeliveryClient) DeliverUnsigned(ctx context.Context, serverURL, path string, form url.Values) (status int, body []byte, err error) {
	return c.post(ctx, serverURL, path, form, "")
}

// DeliverTampered POSTs the form with a deliberately wrong signature
func (c *DeliveryClient) DeliverTampered(ctx context.Context, serverURL, path string, form url.Values) (status int, body []byte, err error) {
	return c.post(ctx, serverURL, path, form, Sign("wrong-token", c.publicBaseURL+path, form))
}

func (c *DeliveryClient) post(ctx context.Context, serverURL, path string, form url.Values, signature string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "TwilioProxy/1.1")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading webhook response: %w", err)
	}
	return resp.StatusCode, body, nil
}
