package common

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 2048

// NewHTTPClient returns a traced client with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// FetchBody issues the request built by newReq, retrying transient failures,
// and returns at most limit bytes of a 200 response body.
func FetchBody(ctx context.Context, client *http.Client, cfg RetryConfig, limit int64, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var payload []byte
	err := RetryWithBackoff(ctx, cfg, func() error {
		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		payload, err = io.ReadAll(io.LimitReader(resp.Body, limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
