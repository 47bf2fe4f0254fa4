package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadside/internal/config"
	api "roadside/internal/http"
	"roadside/internal/infra"
	"roadside/internal/modules/events"
	"roadside/internal/modules/matching"
	"roadside/internal/modules/order"
	"roadside/internal/modules/pricing"
	"roadside/internal/modules/tasks"
	"roadside/internal/types"
)

// tokenVerifier accepts tokens of the form "<role>:<uid>"; role may be empty.
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	role, uid, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, errors.New("bad token")
	}
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &infra.FirebaseToken{UID: uid, Claims: claims}, nil
}

type testEnv struct {
	router *gin.Engine
	orders *order.Service
	index  *matching.MemSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := matching.NewMemSource(cfg.Search.StaleAfter, nil)
	orders := order.NewService(order.Deps{
		Store:     order.NewMemStore(),
		Registry:  order.NewRegistry(cfg.Timeouts),
		Policy:    order.NewCancellationPolicy(cfg.Cancellation),
		Scheduler: tasks.NewMemQueue(),
		Events:    events.Discard{},
		Executors: index,
		Search:    cfg.Search,
		Creation:  cfg.Creation,
		Logger:    logger,
	})
	reg := prometheus.NewRegistry()
	events.NewMetrics(reg)
	srv := api.NewServer(api.ServerDeps{
		Order:     orders,
		Pricing:   pricing.NewService(pricing.NewMemStore(), "USD"),
		Executors: index,
		Verifier:  tokenVerifier{},
		Gatherer:  reg,
		Logger:    logger,
	})
	return &testEnv{router: srv.Handler().(*gin.Engine), orders: orders, index: index}
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type created struct {
	Order     order.Order      `json:"order"`
	Breakdown map[string]int64 `json:"breakdown"`
}

func (e *testEnv) createOrder(t *testing.T, requester string, submit bool) order.Order {
	t.Helper()
	w := e.do(http.MethodPost, "/api/orders", ":"+requester, map[string]any{
		"serviceType": "towing",
		"location":    map[string]float64{"lat": 25.034, "lng": 121.5645},
		"address":     "Xinyi Rd",
		"distanceKm":  3,
		"submit":      submit,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[created](t, w).Order
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPost, "/api/orders", "", map[string]any{"serviceType": "towing"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateOrder(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodPost, "/api/orders", ":req-1", map[string]any{
		"serviceType": "towing",
		"location":    map[string]float64{"lat": 25.034, "lng": 121.5645},
		"distanceKm":  3,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	got := decode[created](t, w)
	assert.Equal(t, order.StatusNew, got.Order.Status)
	assert.Equal(t, types.ID("req-1"), got.Order.RequesterID)
	assert.GreaterOrEqual(t, got.Order.Total.Amount, int64(6750))
	assert.Equal(t, int64(750), got.Breakdown["distance"])

	submitted := e.createOrder(t, "req-2", true)
	assert.Equal(t, order.StatusSearching, submitted.Status)
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPost, "/api/orders", "executor:ex-1", map[string]any{"serviceType": "towing"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/orders", ":req-1", map[string]any{"serviceType": "helicopter"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/orders", ":req-1", map[string]any{
		"serviceType": "towing",
		"location":    map[string]float64{"lat": 123, "lng": 0},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "location")
}

func TestGetOrderVisibility(t *testing.T) {
	e := newTestEnv(t)
	o := e.createOrder(t, "req-1", false)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/orders/"+string(o.ID), ":req-1", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/orders/"+string(o.ID), ":req-2", nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/orders/"+string(o.ID), "executor:ex-1", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/orders/"+string(o.ID), "support:ops-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/orders/missing", ":req-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/orders/bad$id", ":req-1", nil).Code)
}

func (e *testEnv) offer(t *testing.T, o order.Order, executors ...types.ID) {
	t.Helper()
	now := time.Now()
	offers := make([]order.Offer, len(executors))
	for i, id := range executors {
		offers[i] = order.Offer{ExecutorID: id, ExecutorType: "tow_truck", SentAt: now, Deadline: now.Add(time.Minute)}
	}
	_, err := e.orders.RegisterOffers(context.Background(), o.ID, 1, offers)
	require.NoError(t, err)
}

func TestAcceptOffer(t *testing.T) {
	e := newTestEnv(t)
	o := e.createOrder(t, "req-1", true)
	e.offer(t, o, "ex-1", "ex-2")

	w := e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/accept", ":req-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/accept", "executor:ex-2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[order.Order](t, w)
	assert.Equal(t, order.StatusAccepted, got.Status)
	assert.Equal(t, types.ID("ex-2"), got.Executor.ID)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/accept", "executor:ex-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The executor can now see the order and drive it forward.
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/orders/"+string(o.ID), "executor:ex-2", nil).Code)
	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/transition", "executor:ex-2", map[string]string{"status": "en_route"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, order.StatusEnRoute, decode[order.Order](t, w).Status)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/transition", ":req-1", map[string]string{"status": "arrived"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/transition", "executor:ex-1", map[string]string{"status": "arrived"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRejectWithoutOfferConflicts(t *testing.T) {
	e := newTestEnv(t)
	o := e.createOrder(t, "req-1", true)

	w := e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/reject", "executor:ex-9", map[string]string{"reason": "busy"})
	assert.Equal(t, http.StatusConflict, w.Code)

	e.offer(t, o, "ex-9")
	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/reject", "executor:ex-9", map[string]string{"reason": "busy"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCancelInsideFreeWindow(t *testing.T) {
	e := newTestEnv(t)
	o := e.createOrder(t, "req-1", true)

	w := e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/cancel", ":req-2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/cancel", ":req-1", map[string]string{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[struct {
		Order      order.Order `json:"order"`
		Penalty    types.Money `json:"penalty"`
		ReasonCode string      `json:"reasonCode"`
	}](t, w)
	assert.Equal(t, order.StatusCancelled, got.Order.Status)
	assert.True(t, got.Penalty.IsZero())
	assert.Equal(t, order.ReasonFreeWindow, got.ReasonCode)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/cancel", ":req-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTransitionUnknownStatus(t *testing.T) {
	e := newTestEnv(t)
	o := e.createOrder(t, "req-1", false)
	w := e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/transition", "support:ops", map[string]string{"status": "teleported"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/orders/"+string(o.ID)+"/transition", "support:ops", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExecutorPresence(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodPut, "/api/executors/me/location", "executor:ex-1", map[string]float64{"lat": 25.03, "lng": 121.56})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodPut, "/api/executors/me", "executor:ex-1", map[string]any{
		"type":        "tow_truck",
		"services":    []string{"towing"},
		"rating":      4.8,
		"deviceToken": "tok",
		"position":    map[string]float64{"lat": 25.03, "lng": 121.56},
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = e.do(http.MethodPut, "/api/executors/me/location", "executor:ex-1", map[string]float64{"lat": 25.031, "lng": 121.561})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(http.MethodPut, "/api/executors/me/status", "executor:ex-1", map[string]string{"status": "busy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodPut, "/api/executors/me/status", "executor:ex-1", map[string]string{"status": "offline"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	av, err := e.index.CheckAvailability(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.False(t, av.Available)

	w = e.do(http.MethodPut, "/api/executors/me", ":req-1", map[string]any{"type": "x", "services": []string{"towing"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
