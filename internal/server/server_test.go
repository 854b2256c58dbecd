package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/allotment/internal/config"
	consumerdomain "github.com/smallbiznis/allotment/internal/consumer/domain"
	entdomain "github.com/smallbiznis/allotment/internal/entitlement/domain"
	"github.com/smallbiznis/allotment/internal/observability"
	ownerdomain "github.com/smallbiznis/allotment/internal/owner/domain"
	pooldomain "github.com/smallbiznis/allotment/internal/pool/domain"
	poolmanagerdomain "github.com/smallbiznis/allotment/internal/poolmanager/domain"
	"github.com/smallbiznis/allotment/internal/rules/bindrules"
	"github.com/smallbiznis/allotment/internal/rules/compliance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwnerService struct {
	owners map[string]*ownerdomain.Owner
}

func (f *fakeOwnerService) Create(_ context.Context, req ownerdomain.CreateRequest) (*ownerdomain.Owner, error) {
	if req.Key == "" {
		return nil, ownerdomain.ErrInvalidKey
	}
	if _, ok := f.owners[req.Key]; ok {
		return nil, ownerdomain.ErrDuplicate
	}
	owner := &ownerdomain.Owner{ID: snowflake.ID(len(f.owners) + 1), Key: req.Key, DisplayName: req.DisplayName}
	f.owners[req.Key] = owner
	return owner, nil
}

func (f *fakeOwnerService) GetByKey(_ context.Context, key string) (*ownerdomain.Owner, error) {
	owner, ok := f.owners[key]
	if !ok {
		return nil, ownerdomain.ErrNotFound
	}
	return owner, nil
}

type fakeConsumerService struct {
	registered []consumerdomain.RegisterRequest
	hosts      map[string]string
}

func (f *fakeConsumerService) Register(_ context.Context, req consumerdomain.RegisterRequest) (*consumerdomain.Consumer, error) {
	if req.Name == "" {
		return nil, consumerdomain.ErrInvalidName
	}
	f.registered = append(f.registered, req)
	return &consumerdomain.Consumer{ID: 10, UUID: "c-1", Name: req.Name, Type: req.Type}, nil
}

func (f *fakeConsumerService) Get(_ context.Context, uuid string) (*consumerdomain.Consumer, error) {
	if uuid != "c-1" {
		return nil, consumerdomain.ErrNotFound
	}
	return &consumerdomain.Consumer{ID: 10, UUID: uuid, Name: "web-01"}, nil
}

func (f *fakeConsumerService) UpdateFacts(ctx context.Context, uuid string, _ consumerdomain.UpdateRequest) (*consumerdomain.Consumer, error) {
	return f.Get(ctx, uuid)
}

func (f *fakeConsumerService) SetHost(_ context.Context, guestUUID, hostUUID string) error {
	f.hosts[guestUUID] = hostUUID
	return nil
}

type fakePoolManager struct {
	refreshErr   error
	bindErr      error
	autobindReq  poolmanagerdomain.AutobindRequest
	bindItems    []poolmanagerdomain.BindItem
	revoked      []snowflake.ID
	deleted      []snowflake.ID
	adjustedTo   int64
	revokedCount int
}

func (f *fakePoolManager) RefreshPools(_ context.Context, ownerKey string) (*poolmanagerdomain.RefreshReport, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &poolmanagerdomain.RefreshReport{OwnerKey: ownerKey, Subscriptions: 2, PoolsCreated: 3}, nil
}

func (f *fakePoolManager) RefreshStaleOwners(context.Context, int) (int, error) { return 0, nil }

func (f *fakePoolManager) ListPools(_ context.Context, ownerKey string) ([]*pooldomain.Pool, error) {
	if ownerKey != "acme" {
		return nil, ownerdomain.ErrNotFound
	}
	return []*pooldomain.Pool{{ID: 7, Type: pooldomain.PoolTypeNormal, ProductID: "RH-WS", Quantity: 5}}, nil
}

func (f *fakePoolManager) EntitleByPools(_ context.Context, consumerUUID string, items []poolmanagerdomain.BindItem) ([]*entdomain.Entitlement, error) {
	f.bindItems = items
	if f.bindErr != nil {
		return nil, f.bindErr
	}
	if len(items) == 0 {
		return nil, poolmanagerdomain.ErrEmptyBind
	}
	return []*entdomain.Entitlement{{ID: 55, PoolID: items[0].PoolID, Quantity: items[0].Quantity}}, nil
}

func (f *fakePoolManager) Autobind(_ context.Context, req poolmanagerdomain.AutobindRequest) ([]*entdomain.Entitlement, error) {
	f.autobindReq = req
	return []*entdomain.Entitlement{}, nil
}

func (f *fakePoolManager) HostAutobind(context.Context, string, string) ([]*entdomain.Entitlement, error) {
	return nil, nil
}

func (f *fakePoolManager) AdjustEntitlementQuantity(_ context.Context, id snowflake.ID, quantity int64) (*entdomain.Entitlement, error) {
	if quantity < 1 {
		return nil, entdomain.ErrInvalidQuantity
	}
	f.adjustedTo = quantity
	return &entdomain.Entitlement{ID: id, Quantity: quantity}, nil
}

func (f *fakePoolManager) RevokeEntitlements(_ context.Context, ids []snowflake.ID) (int, error) {
	f.revoked = append(f.revoked, ids...)
	return f.revokedCount, nil
}

func (f *fakePoolManager) RevokeAllEntitlements(context.Context, string) (int, error) {
	return 4, nil
}

func (f *fakePoolManager) DeletePools(_ context.Context, ids []snowflake.ID) (int, error) {
	if len(ids) == 1 && ids[0] == 99 {
		return 0, fmt.Errorf("%w: subscription sub-1 has no master pool", pooldomain.ErrIllegalState)
	}
	f.deleted = append(f.deleted, ids...)
	return len(ids), nil
}

func (f *fakePoolManager) DeleteExpiredPools(context.Context) (int, error) { return 0, nil }

type fakeCompliance struct{}

func (fakeCompliance) StatusByUUID(_ context.Context, uuid string) (*compliance.Status, error) {
	if uuid != "c-1" {
		return nil, consumerdomain.ErrNotFound
	}
	return &compliance.Status{Status: consumerdomain.StatusValid}, nil
}

type testServer struct {
	engine    *gin.Engine
	owners    *fakeOwnerService
	consumers *fakeConsumerService
	pools     *fakePoolManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := &testServer{
		engine:    NewEngine(observability.Config{}),
		owners:    &fakeOwnerService{owners: map[string]*ownerdomain.Owner{}},
		consumers: &fakeConsumerService{hosts: map[string]string{}},
		pools:     &fakePoolManager{revokedCount: 1},
	}
	newServer(ts.engine, config.Config{}, ts.owners, ts.consumers, ts.pools, fakeCompliance{})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestCreateOwner(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/owners", map[string]string{"key": " acme ", "display_name": "Acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, ts.owners.owners, "acme")

	rec = ts.do(t, http.MethodPost, "/api/owners", map[string]string{"key": "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/owners", map[string]string{"key": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "key", payload.Errors[0].Field)
}

func TestGetOwnerNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/owners/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestRefreshPools(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/owners/acme/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data poolmanagerdomain.RefreshReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Data.OwnerKey)
	assert.Equal(t, 3, resp.Data.PoolsCreated)

	ts.pools.refreshErr = poolmanagerdomain.ErrRefreshInProgress
	rec = ts.do(t, http.MethodPost, "/api/owners/acme/refresh", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListPools(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/owners/acme/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"product_id":"RH-WS"`)

	rec = ts.do(t, http.MethodGet, "/api/owners/other/pools", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterConsumerUsesOwnerFromPath(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/owners/acme/consumers", map[string]any{
		"name":  "web-01",
		"type":  "system",
		"facts": map[string]string{"cpu.cpu_socket(s)": "2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ts.consumers.registered, 1)
	assert.Equal(t, "acme", ts.consumers.registered[0].OwnerKey)
	assert.Equal(t, "2", ts.consumers.registered[0].Facts["cpu.cpu_socket(s)"])

	rec = ts.do(t, http.MethodPost, "/api/owners/acme/consumers", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetConsumerHost(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/consumers/guest-1/host", map[string]string{"host_uuid": "host-1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "host-1", ts.consumers.hosts["guest-1"])

	rec = ts.do(t, http.MethodPut, "/api/consumers/guest-1/host", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBindByPools(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/consumers/c-1/entitlements", map[string]any{
		"pools": []map[string]any{{"pool_id": "7", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ts.pools.bindItems, 1)
	assert.Equal(t, snowflake.ID(7), ts.pools.bindItems[0].PoolID)
	assert.Equal(t, int64(2), ts.pools.bindItems[0].Quantity)

	rec = ts.do(t, http.MethodPost, "/api/consumers/c-1/entitlements", map[string]any{"pools": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request", decodeError(t, rec).Errors[0].Field)
}

func TestBindRefusalCarriesReasons(t *testing.T) {
	ts := newTestServer(t)
	refusal := bindrules.NewRefusalError()
	refusal.Add(7, bindrules.Reason{Code: bindrules.ReasonNoEntitlementsAvailable})
	ts.pools.bindErr = refusal

	rec := ts.do(t, http.MethodPost, "/api/consumers/c-1/entitlements", map[string]any{
		"pools": []map[string]any{{"pool_id": "7", "quantity": 1}},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "bind_refused", payload.Type)
	assert.Equal(t, []string{string(bindrules.ReasonNoEntitlementsAvailable)}, payload.Reasons)
}

func TestAutobindAcceptsEmptyBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/consumers/c-1/autobind", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c-1", ts.pools.autobindReq.ConsumerUUID)

	rec = ts.do(t, http.MethodPost, "/api/consumers/c-1/autobind", map[string]any{
		"product_ids":   []string{"69"},
		"service_level": " Premium ",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"69"}, ts.pools.autobindReq.ProductIDs)
	assert.Equal(t, "Premium", ts.pools.autobindReq.ServiceLevel)
}

func TestAdjustEntitlement(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/entitlements/55", map[string]int{"quantity": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), ts.pools.adjustedTo)

	rec = ts.do(t, http.MethodPut, "/api/entitlements/55", map[string]int{"quantity": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/entitlements/abc", map[string]int{"quantity": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "id", decodeError(t, rec).Errors[0].Field)
}

func TestRevokeEntitlement(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodDelete, "/api/entitlements/55", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []snowflake.ID{55}, ts.pools.revoked)

	ts.pools.revokedCount = 0
	rec = ts.do(t, http.MethodDelete, "/api/entitlements/56", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeAllEntitlements(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodDelete, "/api/consumers/c-1/entitlements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"revoked":4}}`, rec.Body.String())
}

func TestDeletePools(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodDelete, "/api/pools?ids=1,2,,3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []snowflake.ID{1, 2, 3}, ts.pools.deleted)

	rec = ts.do(t, http.MethodDelete, "/api/pools?ids=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/pools/99", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "sub-1")
}

func TestComplianceStatus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/consumers/c-1/compliance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"valid"`)

	rec = ts.do(t, http.MethodGet, "/api/consumers/c-2/compliance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}
