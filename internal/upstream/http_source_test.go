package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPSourceGetSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/owners/acme/subscriptions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]SubscriptionInfo{{ID: "sub-1", ProductID: "RH00001", Quantity: 10}})
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Token: "secret", Timeout: time.Second}, zap.NewNop())
	subs, err := src.GetSubscriptions(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.EqualValues(t, 10, subs[0].Quantity)
}

func TestHTTPSourceGetProductsByIDsPostsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		raw, _ := io.ReadAll(r.Body)
		var body map[string][]string
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, []string{"p1", "p2"}, body["ids"])
		_ = json.NewEncoder(w).Encode([]ProductInfo{{ID: "p1"}, {ID: "p2"}})
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{BaseURL: srv.URL}, zap.NewNop())
	products, err := src.GetProductsByIDs(context.Background(), "acme", []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestHTTPSourceOpensBreakerAfterFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPConfig{BaseURL: srv.URL}, zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := src.GetSubscriptions(context.Background(), "acme")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	_, err := src.GetSubscriptions(context.Background(), "acme")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, 5, calls)
}

func TestStaticSourceReturnsRequestedProducts(t *testing.T) {
	src := NewStaticSource()
	src.PutProducts("acme", ProductInfo{ID: "b"}, ProductInfo{ID: "a"})
	products, err := src.GetProductsByIDs(context.Background(), "acme", []string{"b", "a", "missing"})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "a", products[0].ID)
}
