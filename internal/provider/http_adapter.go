package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/notifyhub/dispatch/internal/domain"
)

// HTTPAdapter delivers notifications by POSTing to an external provider
// endpoint. The base URL is injected from config so tests can point to a
// local mock. The same implementation backs both channels; the name and URL
// differ per instance.
type HTTPAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
	healthy    atomic.Bool
}

// NewEmailAdapter returns the email channel adapter.
func NewEmailAdapter(baseURL string, client *http.Client) *HTTPAdapter {
	return newHTTPAdapter("email", baseURL, client)
}

// NewSMSAdapter returns the sms channel adapter.
func NewSMSAdapter(baseURL string, client *http.Client) *HTTPAdapter {
	return newHTTPAdapter("sms", baseURL, client)
}

func newHTTPAdapter(name, baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	a := &HTTPAdapter{name: name, baseURL: baseURL, httpClient: client}
	a.healthy.Store(true)
	return a
}

func (a *HTTPAdapter) Name() string { return a.name }

// Health reflects the outcome of the most recent provider call.
func (a *HTTPAdapter) Health() bool { return a.healthy.Load() }

// Send posts the notification to the provider and expects a 202 Accepted with
// a JSON body containing messageId.
//
// Status mapping: 2xx is a success, 4xx is the provider's permanent verdict
// (returned as a Result, no error), anything else is a transport failure
// (returned as an error, retryable).
func (a *HTTPAdapter) Send(ctx context.Context, n *domain.Notification) (*Result, error) {
	body, err := json.Marshal(sendRequest{
		To:      n.Recipient,
		Channel: string(n.Type),
		Subject: n.Subject,
		Content: n.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.healthy.Store(false)
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sendResp sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		a.healthy.Store(true)
		return &Result{
			Success:          true,
			ExternalID:       sendResp.MessageID,
			ProviderResponse: fmt.Sprintf("status=%s timestamp=%s", sendResp.Status, sendResp.Timestamp),
		}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := readErrorBody(resp.Body)
		a.healthy.Store(true)
		return &Result{
			Success:          false,
			Permanent:        true,
			Message:          fmt.Sprintf("%s provider rejected request (%d): %s", a.name, resp.StatusCode, msg),
			ProviderResponse: msg,
		}, nil

	default:
		a.healthy.Store(false)
		return nil, fmt.Errorf("unexpected provider status: %d", resp.StatusCode)
	}
}

// GetStatus queries the provider for the delivery state of a message.
func (a *HTTPAdapter) GetStatus(ctx context.Context, externalID string) (*Result, error) {
	url := strings.TrimRight(a.baseURL, "/") + "/status/" + externalID

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected provider status: %d", resp.StatusCode)
	}

	var sendResp sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &Result{
		Success:          true,
		ExternalID:       sendResp.MessageID,
		ProviderResponse: sendResp.Status,
	}, nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "no response body"
	}
	return string(b)
}

// compile-time check that HTTPAdapter implements Adapter
var _ Adapter = (*HTTPAdapter)(nil)
