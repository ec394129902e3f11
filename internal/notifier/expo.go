package notifier

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

const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoProvider talks to the Expo push service.
type ExpoProvider struct {
	url         string
	accessToken string
	client      *http.Client
}

func NewExpoProvider(url, accessToken string, timeout time.Duration) *ExpoProvider {
	if strings.TrimSpace(url) == "" {
		url = DefaultExpoURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ExpoProvider{url: url, accessToken: accessToken, client: &http.Client{Timeout: timeout}}
}

type expoResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *ExpoProvider) Push(ctx context.Context, msgs []PushMessage) ([]Ticket, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.accessToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("push provider: http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("push provider: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		if e.Code == "TOO_MANY_REQUESTS" {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, e.Message)
		}
		return nil, fmt.Errorf("push provider: %s: %s", e.Code, e.Message)
	}
	return out.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
