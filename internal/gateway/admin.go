package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/chris-pardy/avaast/internal/record"
	"github.com/chris-pardy/avaast/internal/shaper"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// adminValidate is a process-wide validator.Validate, mirroring the
// AleutianLocal idiom of validating admin-facing request DTOs via struct
// tags rather than hand-rolled field checks.
var adminValidate = validator.New()

// requireAdmin gates the /admin group on the configured shared secret
// (spec.md §4.M "Admin channel (intended for internal callers only)").
func (g *Gateway) requireAdmin(c *gin.Context) {
	if g.Admin == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, xrpc.Envelope{
			Error:   xrpc.KindInvalidRequest,
			Message: "admin channel is not configured",
		})
		return
	}
	token := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		token = token[len(prefix):]
	}
	if err := g.Admin.Verify(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, xrpc.As(err).Envelope())
		return
	}
	c.Next()
}

// endpointsRequest is the body of POST /admin/endpoints (spec.md §6).
type endpointsRequest struct {
	Endpoints []record.DeployedEndpoint `json:"endpoints" validate:"required,dive"`
}

// handleAdminEndpoints replaces the Router's entire endpoint set
// (spec.md §4.M "replace-all", idempotent).
func (g *Gateway) handleAdminEndpoints(c *gin.Context) {
	var req endpointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInvalidRequest, err, "gateway: parse admin/endpoints body"))
		return
	}
	if err := adminValidate.Struct(req); err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInvalidRequest, err, "gateway: invalid admin/endpoints payload"))
		return
	}
	count := g.Router.Registry.ReplaceAll(req.Endpoints)
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": count})
}

// trafficRequest is the body of POST /admin/traffic (spec.md §6).
type trafficRequest struct {
	Rules []record.TrafficRuleRecord `json:"rules" validate:"dive"`
}

// handleAdminTraffic replaces the Traffic Shaper's rule set (spec.md §4.K,
// §4.M). A rule set that doesn't sum to 10000 BP is rejected with 400 and
// the shaper's reason message, leaving the previous rules in effect
// (spec.md §8 scenario 6).
func (g *Gateway) handleAdminTraffic(c *gin.Context) {
	var req trafficRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInvalidRequest, err, "gateway: parse admin/traffic body"))
		return
	}
	if err := adminValidate.Struct(req); err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInvalidRequest, err, "gateway: invalid admin/traffic payload"))
		return
	}
	rules := make([]shaper.Rule, len(req.Rules))
	for i, r := range req.Rules {
		rules[i] = shaper.Rule{Deploy: r.Deploy, WeightBP: r.WeightBP}
	}
	if err := g.Shaper.UpdateRules(rules); err != nil {
		writeError(c, xrpc.Wrap(xrpc.KindInvalidRequest, err, "gateway: reject traffic rule set"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": len(rules)})
}

// statusResponse is the body of GET /admin/status (spec.md §6).
type statusResponse struct {
	Uptime            string         `json:"uptime"`
	RegisteredEndpoints []string     `json:"registeredEndpoints"`
	TrafficRules      []shaper.Rule  `json:"trafficRules"`
}

func (g *Gateway) handleAdminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Uptime:              time.Since(g.startedAt).String(),
		RegisteredEndpoints: g.Router.Registry.GetEndpointNames(),
		TrafficRules:        g.Shaper.Rules(),
	})
}
