package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider sends outbound messages through the external delivery
// gateway's HTTP endpoint.
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{URL: url, Client: &http.Client{Timeout: timeout}}
}

type sendRequest struct {
	Target   string `json:"target"`
	Text     string `json:"text"`
	Instance string `json:"instance,omitempty"`
}

func (p *HTTPProvider) Send(ctx context.Context, target, text, instance string) error {
	body, err := json.Marshal(sendRequest{Target: target, Text: text, Instance: instance})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
