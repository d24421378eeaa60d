// Package gateway is the payment-gateway capability consumed by withdrawal
// reconciliation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

var ErrNotFound = errors.New("transaction not found at gateway")

// Status is the gateway's view of a transaction. Status uses the gateway's
// own vocabulary; an empty Status means the gateway has nothing new.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Client queries transaction state. A nil *Status with a nil error means no update.
type Client interface {
	TransactionStatus(ctx context.Context, reference string) (*Status, error)
}

// HTTPClient queries GET {BaseURL}/transactions/{reference}.
type HTTPClient struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	client  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status  *string `json:"status"`
	Message string  `json:"message"`
	Data    *struct {
		Status  *string `json:"status"`
		Message string  `json:"message"`
	} `json:"data"`
}

func (h *HTTPClient) TransactionStatus(ctx context.Context, reference string) (*Status, error) {
	if reference == "" {
		return nil, fmt.Errorf("reference is required")
	}
	endpoint := h.BaseURL + "/transactions/" + url.PathEscape(reference)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway HTTP %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed gateway response: %w", err)
	}
	// Some gateways nest the payload under "data".
	if env.Data != nil && env.Data.Status != nil {
		return &Status{Status: *env.Data.Status, Message: env.Data.Message}, nil
	}
	if env.Status == nil {
		return nil, nil
	}
	return &Status{Status: *env.Status, Message: env.Message}, nil
}

// Breaker stops polling a gateway that keeps failing.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Client, consecutiveFailures uint32, openTimeout time.Duration) *Breaker {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= consecutiveFailures
		},
		// A missing transaction is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) TransactionStatus(ctx context.Context, reference string) (*Status, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.TransactionStatus(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	st, _ := out.(*Status)
	return st, nil
}
