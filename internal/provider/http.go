package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/vcscsvcscs/wearable-sync/internal/metrics"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	// maxResponseBytes bounds how much of a provider response is read into memory
	maxResponseBytes = 32 << 20

	breakerFailureThreshold = 5
	breakerOpenTimeout      = 60 * time.Second
)

// countsAgainstProvider reports whether err reflects provider health rather
// than a problem with one account or caller. Only network failures, timeouts,
// 5xx and 429 trip the shared breaker.
func countsAgainstProvider(err error) bool {
	if err == nil || IsAuthExpired(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode >= 400 && fetchErr.StatusCode < 500 {
		return fetchErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// HTTPOptions configures the HTTP side of a provider client
type HTTPOptions struct {
	// BaseURL overrides the provider's production API root
	BaseURL    string
	HTTPClient *http.Client
}

// transport is the bearer-authenticated JSON client shared by the REST providers
type transport struct {
	provider   model.Provider
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *zap.Logger
}

func newTransport(p model.Provider, defaultBaseURL string, opts HTTPOptions, logger *zap.Logger) *transport {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	name := string(p)
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAgainstProvider(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &transport{
		provider:   p,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}
}

// getJSON issues a GET and decodes the response into out
func (t *transport) getJSON(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	body, err := t.do(ctx, http.MethodGet, accessToken, path, query, nil)
	if err != nil {
		return err
	}
	return t.decode(body, out)
}

// postJSON issues a POST with a JSON body and decodes the response into out
func (t *transport) postJSON(ctx context.Context, accessToken, path string, payload, out any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	body, err := t.do(ctx, http.MethodPost, accessToken, path, nil, reqBody)
	if err != nil {
		return err
	}
	return t.decode(body, out)
}

func (t *transport) decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &NormalizationError{
			Provider: t.provider,
			Payload:  body,
			Err:      fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}

func (t *transport) do(ctx context.Context, method, accessToken, path string, query url.Values, reqBody []byte) ([]byte, error) {
	body, err := t.breaker.Execute(func() ([]byte, error) {
		return t.roundTrip(ctx, method, accessToken, path, query, reqBody)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.logger.Warn("provider request rejected by circuit breaker",
				zap.String("provider", string(t.provider)),
				zap.String("path", path),
			)
			return nil, &FetchError{Provider: t.provider, Message: "circuit open", Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (t *transport) roundTrip(ctx context.Context, method, accessToken, path string, query url.Values, reqBody []byte) ([]byte, error) {
	endpoint := t.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, &FetchError{Provider: t.provider, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Provider: t.provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{Provider: t.provider, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthExpiredError{Provider: t.provider, Message: errorMessage(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		t.logger.Error("provider API returned non-2xx status",
			zap.String("provider", string(t.provider)),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil, &FetchError{Provider: t.provider, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	return body, nil
}

// errorMessage extracts a human readable message from an error body
func errorMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   any    `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Message != "":
			return envelope.Message
		case envelope.Detail != "":
			return envelope.Detail
		case len(envelope.Errors) > 0 && envelope.Errors[0].Message != "":
			return envelope.Errors[0].Message
		}
		switch e := envelope.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return "empty response body"
	}
	return msg
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
