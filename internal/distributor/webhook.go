package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/crypto"
)

// WebhookToken is a bearer token encrypted at rest under a keyring master
// key, decrypted only when a delivery attempt needs it.
type WebhookToken struct {
	KID        string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// WebhookSink delivers alarm events to an external incident-management
// endpoint over HTTPS, authenticating with a bearer token decrypted from
// the configured master keyring rather than held in plaintext config.
type WebhookSink struct {
	client  *http.Client
	url     string
	keyring *crypto.Keyring
	token   WebhookToken
}

// NewWebhookSink builds a WebhookSink. token holds the envelope-encrypted
// bearer credential; it is decrypted on every delivery rather than cached.
func NewWebhookSink(client *http.Client, url string, keyring *crypto.Keyring, token WebhookToken) *WebhookSink {
	return &WebhookSink{client: client, url: url, keyring: keyring, token: token}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, ev alarms.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("distributor: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if token, err := s.keyring.UnwrapDEK(s.token.KID, s.token.Nonce, s.token.Ciphertext, s.token.Tag, []byte(s.Name())); err == nil {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("distributor: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
