package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPSource reads subscriptions and products from the upstream catalog API.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *zap.Logger
}

func NewHTTPSource(cfg HTTPConfig, log *zap.Logger) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log = log.Named("upstream.http")
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "upstream-catalog",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &HTTPSource{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     log,
	}
}

func (s *HTTPSource) GetSubscriptions(ctx context.Context, ownerKey string) ([]SubscriptionInfo, error) {
	body, err := s.do(ctx, http.MethodGet, "/owners/"+url.PathEscape(ownerKey)+"/subscriptions", nil)
	if err != nil {
		return nil, err
	}
	var subs []SubscriptionInfo
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return subs, nil
}

func (s *HTTPSource) GetProductsByIDs(ctx context.Context, ownerKey string, ids []string) ([]ProductInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return nil, err
	}
	body, err := s.do(ctx, http.MethodPost, "/owners/"+url.PathEscape(ownerKey)+"/products/query", payload)
	if err != nil {
		return nil, err
	}
	var products []ProductInfo
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return products, nil
}

func (s *HTTPSource) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	body, err := s.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.log.Warn("upstream request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	return body, nil
}
