package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/errors"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
)

// ReferenceClient fetches reference quantities from the external feed.
// Calls go through a circuit breaker so a failing feed fails item additions
// fast instead of tying up request goroutines.
type ReferenceClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewReferenceClient creates a client for baseURL.
func NewReferenceClient(baseURL string, timeout time.Duration, log *logger.Logger) *ReferenceClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reference-quantities",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &ReferenceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// ReferenceQuantity returns the reference quantity for q.
func (c *ReferenceClient) ReferenceQuantity(ctx context.Context, q ReferenceQuery) (decimal.Decimal, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, q)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return decimal.Zero, errors.Wrap(err, errors.ErrCodeUnavailable, "reference quantity feed unavailable")
	}
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

func (c *ReferenceClient) fetch(ctx context.Context, q ReferenceQuery) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("district", q.DistrictCode)
	params.Set("commodity", q.Commodity)
	params.Set("unit", q.Unit)
	params.Set("month", strconv.Itoa(q.Month))
	params.Set("year", strconv.Itoa(q.Year))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/reference-quantities?"+params.Encode(), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, errors.ErrCodeInternal, "failed to build reference request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to fetch reference quantity")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := errors.ErrCodeInternal
		if resp.StatusCode >= http.StatusInternalServerError {
			code = errors.ErrCodeUnavailable
		}
		return decimal.Zero, errors.New(code, fmt.Sprintf("reference feed returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out ReferenceQuantityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode reference quantity")
	}

	qty, err := decimal.NewFromString(out.Quantity)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, errors.ErrCodeInternal, "invalid reference quantity")
	}
	return qty, nil
}

// ZeroReferenceSource reports zero for every item. It stands in when no
// reference feed is configured.
type ZeroReferenceSource struct{}

func (ZeroReferenceSource) ReferenceQuantity(context.Context, ReferenceQuery) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
