// Package alertenvelope ships a minimal Sentry-compatible envelope to an
// external error-collection endpoint. No Sentry SDK is wired (none of the
// example repos in this corpus import one); the wire format the component
// design calls for is three newline-delimited JSON documents, which is
// simple enough to hand-roll against net/http rather than pull in a vendor
// client whose retry/transport behavior we would not otherwise use.
package alertenvelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client posts best-effort warning envelopes. Shipping failures are never
// surfaced to callers -- they log and continue, per the error handling
// policy that telemetry must never block the serving path.
type Client struct {
	envelopeURL string
	httpClient  *http.Client
}

// NewClient parses a Sentry-style DSN into its envelope endpoint. An empty
// DSN yields a no-op client whose Send always succeeds trivially.
func NewClient(dsn string) *Client {
	return &Client{
		envelopeURL: dsnToEnvelopeURL(dsn),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

func dsnToEnvelopeURL(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	publicKey := u.User.Username()
	projectID := strings.TrimPrefix(u.Path, "/")
	if publicKey == "" || projectID == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s/api/%s/envelope/", u.Scheme, u.Host, projectID)
}

// Event is the minimal payload shipped inside the envelope's event item.
type Event struct {
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	Timestamp string            `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Extra     map[string]any    `json:"extra,omitempty"`
}

// Send ships a warning-level event. It returns an error only for logging
// purposes -- callers must not propagate it to the request path.
func (c *Client) Send(ctx context.Context, evt Event) error {
	if c.envelopeURL == "" {
		return nil
	}
	if evt.Level == "" {
		evt.Level = "warning"
	}
	if evt.Timestamp == "" {
		evt.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	header, err := json.Marshal(map[string]any{"sent_at": time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	itemHeader, err := json.Marshal(map[string]string{"type": "event"})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	body.Write(header)
	body.WriteByte('\n')
	body.Write(itemHeader)
	body.WriteByte('\n')
	body.Write(payload)
	body.WriteByte('\n')

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.envelopeURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-sentry-envelope")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
