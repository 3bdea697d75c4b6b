package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vestabot/pkg/jsonx"
)

// ErrNotConfigured is returned when a required API key or URL is missing.
var ErrNotConfigured = errors.New("upstream not configured")

// ErrEmpty is returned when the provider answered without usable data.
var ErrEmpty = errors.New("upstream returned no data")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

const userAgent = "vestabot/1.0"

// DefaultHTTPClient is used when a client is built with a nil *http.Client.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func get(ctx context.Context, hc *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/calendar, */*")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func getJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	body, err := get(ctx, hc, url)
	if err != nil {
		return err
	}
	if err := jsonx.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func orDefault(hc *http.Client) *http.Client {
	if hc == nil {
		return DefaultHTTPClient()
	}
	return hc
}
