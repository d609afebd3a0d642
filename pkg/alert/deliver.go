package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const deliveryTimeout = 10 * time.Second

// delivery is one JSON POST to a notification endpoint.
type delivery struct {
	dest    string
	url     string
	payload any
	header  http.Header
	// sign, when set, derives extra headers from the encoded body.
	sign func(body []byte, h http.Header)
	// ok accepts the response status; 2xx when nil.
	ok func(status int) bool
}

func (d delivery) send(ctx context.Context, client *http.Client) error {
	body, err := json.Marshal(d.payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", d.dest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", d.dest, err)
	}
	for k, vs := range d.header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	if d.sign != nil {
		d.sign(body, req.Header)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", d.dest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	accept := d.ok
	if accept == nil {
		accept = func(s int) bool { return s >= 200 && s < 300 }
	}
	if !accept(resp.StatusCode) {
		return fmt.Errorf("%s status %d", d.dest, resp.StatusCode)
	}
	return nil
}

func newClient() *http.Client {
	return &http.Client{Timeout: deliveryTimeout}
}
