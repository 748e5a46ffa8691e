package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pardy/avaast/internal/authz"
	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/internal/router"
	"github.com/chris-pardy/avaast/internal/shaper"
	"github.com/chris-pardy/avaast/internal/subscription"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubExecutor struct {
	subscribeErr error
}

func (s *stubExecutor) Query(ctx context.Context, name string, ep record.DeployedEndpoint, stickyKey string, params map[string]string) (router.QueryResult, error) {
	return router.QueryResult{Results: []map[string]any{{"ok": true}}}, nil
}

func (s *stubExecutor) Search(ctx context.Context, name string, ep record.DeployedEndpoint, stickyKey string, params map[string]string) (router.QueryResult, error) {
	return router.QueryResult{}, nil
}

func (s *stubExecutor) Function(ctx context.Context, name string, ep record.DeployedEndpoint, stickyKey string, body json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"echoed":true}`), nil
}

func (s *stubExecutor) Subscribe(ctx context.Context, name string, ep record.DeployedEndpoint, stickyKey string, conn router.SubscribeConn) error {
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	return conn.Send(map[string]any{"type": "connected"})
}

func newTestGateway(t *testing.T) (*Gateway, *router.Registry, *shaper.Shaper, *subscription.Manager) {
	t.Helper()
	reg := router.NewRegistry()
	sh := shaper.New()
	subs := subscription.NewManager(logx.Noop{})
	rt := router.New(reg, &stubExecutor{}, logx.Noop{})
	admin, err := authz.NewAdminVerifier("s3cret", 4)
	require.NoError(t, err)
	gw := New(rt, sh, subs, admin, logx.Noop{})
	return gw, reg, sh, subs
}

func TestHandleXRPCReadUnknownEndpointIs404(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xrpc/chat.pirate.doesNotExist", nil)
	gw.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "MethodNotFound")
}

func TestHandleXRPCReadComputedEndpointDispatchesToExecutor(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.getAvasts", Kind: record.KindComputed})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xrpc/chat.pirate.getAvasts?limit=10", nil)
	gw.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res router.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Results, 1)
	assert.Equal(t, true, res.Results[0]["ok"])
}

func TestHandleXRPCWriteOnComputedEndpointIsMethodMismatch(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.getAvasts", Kind: record.KindComputed})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xrpc/chat.pirate.getAvasts", strings.NewReader("{}"))
	gw.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "MethodMismatch")
}

func TestHandleXRPCWriteOnFunctionEndpointDispatchesToExecutor(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.sayAye", Kind: record.KindFunction})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xrpc/chat.pirate.sayAye", strings.NewReader(`{"msg":"aye"}`))
	gw.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "echoed")
}

func TestWebSocketUpgradeIsRejected(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.onAvast", Kind: record.KindSubscription})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xrpc/chat.pirate.onAvast", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	gw.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "UnsupportedTransport")
}

func TestWebSocketUpgradeOnComputedEndpointIsNotRejected(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.getAvasts", Kind: record.KindComputed})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xrpc/chat.pirate.getAvasts", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	gw.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubscribeWithoutSSEAcceptHeaderIsInvalidRequest(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.onAvast", Kind: record.KindSubscription})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xrpc/chat.pirate.onAvast", nil)
	gw.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribeDeliversConnectedFrameThenStopsOnDisconnect(t *testing.T) {
	gw, reg, _, subs := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.onAvast", Kind: record.KindSubscription})
	subs.Register(subscription.Registration{Name: "chat.pirate.onAvast", Collection: "chat.pirate.avast"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // simulate an already-disconnected client so the handler returns promptly

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xrpc/chat.pirate.onAvast", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	gw.Engine().ServeHTTP(w, req)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event: connected")
	assert.Contains(t, w.Body.String(), "subscriberId")
}

func TestAdminEndpointsRequiresBearerToken(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/endpoints", strings.NewReader(`{"endpoints":[]}`))
	gw.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminEndpointsReplacesRegistry(t *testing.T) {
	gw, reg, _, _ := newTestGateway(t)
	body := `{"endpoints":[{"name":"chat.pirate.getAvasts","kind":"computed","ref":{"authorityId":"did:plc:alice","contentHash":"h1"}}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/endpoints", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Content-Type", "application/json")
	gw.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"chat.pirate.getAvasts"}, reg.GetEndpointNames())
}

func TestAdminTrafficRejectsBadWeights(t *testing.T) {
	gw, _, sh, _ := newTestGateway(t)
	require.NoError(t, sh.UpdateRules([]shaper.Rule{{Deploy: record.ResourceRef{AuthorityID: "a", ContentHash: "h1"}, WeightBP: 10000}}))

	body := `{"rules":[{"deploy":{"authorityId":"a","contentHash":"h1"},"weightBP":5000},{"deploy":{"authorityId":"a","contentHash":"h2"},"weightBP":4000}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/traffic", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Content-Type", "application/json")
	gw.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, sh.Rules(), 1, "previous rules remain in effect")
}

func TestAdminStatusReportsRegistrationsAndRules(t *testing.T) {
	gw, reg, sh, _ := newTestGateway(t)
	reg.Put(record.DeployedEndpoint{Name: "chat.pirate.getAvasts", Kind: record.KindComputed})
	require.NoError(t, sh.UpdateRules([]shaper.Rule{{Deploy: record.ResourceRef{AuthorityID: "a", ContentHash: "h1"}, WeightBP: 10000}}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	gw.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"chat.pirate.getAvasts"}, resp.RegisteredEndpoints)
	assert.Len(t, resp.TrafficRules, 1)
}

func TestHealthReturnsOK(t *testing.T) {
	gw, _, _, _ := newTestGateway(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/health", nil)
	gw.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}
