// Package gateway implements the Gateway HTTP Surface of spec.md §4.M: the
// client-facing /xrpc/{name} proxy, the internal-callers-only admin channel,
// and the /internal/health check. The Router calls its Executor
// in-process; no other /internal route is served over HTTP.
//
// Route registration and JSON error responses follow the teacher-adjacent
// AleutianLocal trace service's gin.Context/ShouldBindJSON/c.JSON idiom
// (services/trace/handlers.go): one handler per route, binding into a
// request struct, normalising every failure into the shared error envelope
// before writing it.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chris-pardy/avaast/internal/authz"
	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/internal/router"
	"github.com/chris-pardy/avaast/internal/shaper"
	"github.com/chris-pardy/avaast/internal/subscription"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// Gateway wires the Router, Traffic Shaper, Subscription Manager and admin
// identity check behind one gin.Engine (spec.md §4.M).
type Gateway struct {
	Router        *router.Router
	Shaper        *shaper.Shaper
	Subscriptions *subscription.Manager
	Admin         *authz.AdminVerifier
	Log           logx.Logger

	startedAt time.Time
}

// New builds a Gateway. admin may be nil in tests that don't exercise the
// admin channel; every admin route then rejects with InvalidRequest.
func New(rt *router.Router, sh *shaper.Shaper, subs *subscription.Manager, admin *authz.AdminVerifier, log logx.Logger) *Gateway {
	if log == nil {
		log = logx.Noop{}
	}
	return &Gateway{Router: rt, Shaper: sh, Subscriptions: subs, Admin: admin, Log: log, startedAt: time.Now()}
}

// Engine builds the gin.Engine serving every route spec.md §4.M/§6 names.
func (g *Gateway) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/xrpc/:name", g.handleXRPCRead)
	r.POST("/xrpc/:name", g.handleXRPCWrite)

	admin := r.Group("/admin", g.requireAdmin)
	admin.POST("/endpoints", g.handleAdminEndpoints)
	admin.POST("/traffic", g.handleAdminTraffic)
	admin.GET("/status", g.handleAdminStatus)

	r.GET("/internal/health", g.handleHealth)

	return r
}

// writeError normalises err into the taxonomy-tagged {error, message}
// envelope of spec.md §6/§7 and writes it with the matching HTTP status.
func writeError(c *gin.Context, err error) {
	xe := xrpc.As(err)
	c.JSON(xe.Kind.Status(), xe.Envelope())
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleXRPCRead serves the Computed, Search, and Subscription methods
// (spec.md §6 "Computed, Search, Subscription methods are GET").
func (g *Gateway) handleXRPCRead(c *gin.Context) {
	name := c.Param("name")

	ep, ok := g.Router.Registry.GetEndpoint(name)
	if !ok {
		writeError(c, xrpc.New(xrpc.KindMethodNotFound, "gateway: no endpoint registered under "+name))
		return
	}

	stickyKey := stickyKeyFromRequest(c)

	switch ep.Kind {
	case record.KindSubscription:
		g.handleSubscribe(c, name, stickyKey)
	case record.KindSearchIndex:
		g.handleRead(c, name, stickyKey, g.Router.Search)
	default:
		g.handleRead(c, name, stickyKey, g.Router.Query)
	}
}

func (g *Gateway) handleRead(c *gin.Context, name, stickyKey string, read func(ctx context.Context, name, stickyKey string, params map[string]string) (router.QueryResult, error)) {
	params := flattenQuery(c)
	res, err := read(c.Request.Context(), name, stickyKey, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleXRPCWrite serves the Function methods (spec.md §6 "Function methods
// are POST").
func (g *Gateway) handleXRPCWrite(c *gin.Context) {
	name := c.Param("name")
	ep, ok := g.Router.Registry.GetEndpoint(name)
	if !ok {
		writeError(c, xrpc.New(xrpc.KindMethodNotFound, "gateway: no endpoint registered under "+name))
		return
	}
	if ep.Kind != record.KindFunction {
		writeError(c, xrpc.New(xrpc.KindMethodMismatch, "gateway: "+name+" does not accept POST"))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInvalidRequest, err, "gateway: read request body"))
		return
	}

	stickyKey := stickyKeyFromRequest(c)
	out, err := g.Router.Function(c.Request.Context(), name, stickyKey, body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// handleSubscribe upgrades the request into an SSE stream (spec.md §6):
// Subscription endpoints require Accept: text/event-stream; everything
// else (including a bare GET with no Accept header, or a WebSocket upgrade
// attempt) is rejected.
func (g *Gateway) handleSubscribe(c *gin.Context, name, stickyKey string) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		writeError(c, xrpc.New(xrpc.KindUnsupportedTransport, "gateway: websocket upgrades are not supported; subscribe with Accept: text/event-stream instead"))
		return
	}
	if c.GetHeader("Accept") != "text/event-stream" {
		writeError(c, xrpc.New(xrpc.KindInvalidRequest, "gateway: subscription endpoints require Accept: text/event-stream"))
		return
	}

	conn, err := newSSEConn(c, uuid.NewString())
	if err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInternalServerError, err, "gateway: open SSE stream"))
		return
	}
	defer conn.closeQuietly()

	if err := g.Router.Subscribe(c.Request.Context(), name, stickyKey, conn); err != nil {
		writeError(c, err)
		return
	}

	conn.run(c.Request.Context())
}

func stickyKeyFromRequest(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}
	key, err := authz.StickyKeyFromBearer(auth)
	if err != nil {
		return ""
	}
	return key
}

// flattenQuery collapses gin's multi-value query params down to the flat
// key→value strings spec.md §6 specifies, keeping the first value of any
// repeated key.
func flattenQuery(c *gin.Context) map[string]string {
	out := make(map[string]string, len(c.Request.URL.Query()))
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
