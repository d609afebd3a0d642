package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

const signatureHeader = "X-Signature-256"

// Webhook posts the Notification itself as JSON. With a secret the body is
// signed with HMAC-SHA256 in X-Signature-256.
type Webhook struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhook creates a new generic webhook notifier.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{client: newClient(), url: url, secret: secret}
}

func (w *Webhook) Name() string { return "webhook" }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	d := delivery{
		dest:    "webhook",
		url:     w.url,
		payload: n,
		header: http.Header{
			"User-Agent":          {"starcrawler/1.0"},
			"X-Starcrawler-Event": {"run." + n.Status},
		},
	}
	if w.secret != "" {
		d.sign = func(body []byte, h http.Header) {
			h.Set(signatureHeader, Sign(w.secret, body))
		}
	}
	return d.send(ctx, w.client)
}
