// Package timeline wraps the prepare-phase timeline service. The compensator
// uses it to correlate a cancellation signal with the delivery requests it
// may have produced.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Element is one timeline entry of a notification. ElementID doubles as the
// delivery request id for prepare-phase categories.
type Element struct {
	ElementID string `json:"elementId"`
	Category  string `json:"category"`
	IUN       string `json:"iun"`
	Timestamp string `json:"timestamp"`
}

// Prepare-phase categories that carry a cancellable delivery request.
const (
	CategoryPrepareAnalogDomicile         = "PREPARE_ANALOG_DOMICILE"
	CategoryPrepareSimpleRegisteredLetter = "PREPARE_SIMPLE_REGISTERED_LETTER"
)

// Cancellable reports whether the element's category can hold an admitted
// delivery request.
func (e Element) Cancellable() bool {
	return e.Category == CategoryPrepareAnalogDomicile || e.Category == CategoryPrepareSimpleRegisteredLetter
}

// Client is the read-only timeline service interface used by the compensator.
type Client interface {
	Elements(ctx context.Context, iun string) ([]Element, error)
}

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient calls the private timeline API, filtered server-side to
// prepare-phase entries.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("timeline base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (c *HTTPClient) Elements(ctx context.Context, iun string) ([]Element, error) {
	if iun == "" {
		return nil, fmt.Errorf("timeline: iun required")
	}
	endpoint := fmt.Sprintf("%s/timeline-service-private/timelines/%s/elements", c.baseURL, url.PathEscape(iun))
	query := url.Values{
		"confidentialInfoRequired": {"false"},
		"strongly":                 {"false"},
		"timelineId":               {"PREPARE_"},
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("timeline build request: %w", err)
		}
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			elements, parseErr := decodeElements(resp)
			resp.Body.Close()
			if parseErr == nil {
				return elements, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return nil, fmt.Errorf("timeline lookup for %s failed: %w", iun, lastErr)
}

func decodeElements(resp *http.Response) ([]Element, error) {
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("timeline unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timeline rejected request: %s", resp.Status)
	}
	var elements []Element
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, fmt.Errorf("timeline decode response: %w", err)
	}
	return elements, nil
}
