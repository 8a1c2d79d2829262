package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"PGateway/middleware"
	midsec "PGateway/middleware/security"
	"PGateway/module/notify/model"
	"PGateway/service/chat"
	"PGateway/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 发布接口要求的角色，任一即可
var publishRoles = []string{"publisher", "admin"}

// Mount 先挂准入流水线，再登记路由
func (g *Gateway) Mount(r *gin.Engine, p *middleware.Pipeline) {
	r.Use(p.Use())

	p.GET(r, "/health", g.health, middleware.RouteOpt{IsAuth: false})
	if g.metrics != nil {
		p.GET(r, "/metrics", gin.WrapH(g.metrics.Handler()), middleware.RouteOpt{IsAuth: false})
	}
	p.GET(r, "/ws", g.HandleWS, middleware.RouteOpt{IsAuth: true})
	p.POST(r, "/events", g.postEvent, middleware.RouteOpt{IsAuth: true, Roles: publishRoles})
	p.GET(r, "/presence/:principal", g.presence, middleware.RouteOpt{IsAuth: true})
}

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"message": fmt.Sprintf("instance %s: %d connections, accepting=%t",
			g.conf.InstanceID, g.mgr.Count(), g.Accepting()),
	})
}

// HandleWS 升级并登记新连接；broker 不在线时拒绝新连接（已有连接照常服务）
func (g *Gateway) HandleWS(c *gin.Context) {
	if !g.Accepting() {
		middleware.Abort(c, errs.ErrNotAccepting.WithDetail("broker unavailable or shutting down"))
		return
	}
	p, ok := midsec.PrincipalOf(c)
	if !ok {
		middleware.Abort(c, errs.ErrUnauthorized)
		return
	}
	rooms := splitRooms(c.Query("rooms"))

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出 4xx
		g.log.Info("upgrade websocket failed", zap.String("principal", p.ID), zap.Error(err))
		return
	}
	t := chat.NewWSTransport(ws, 0, g.conf.Admission.BodySizeLimit)
	if _, err := g.mgr.Accept(c.Request.Context(), p, t, rooms); err != nil {
		g.log.Warn("accept connection failed", zap.String("principal", p.ID), zap.Error(err))
		_ = t.Close(chat.CloseGoingAway, "not accepting")
	}
}

func (g *Gateway) postEvent(c *gin.Context) {
	var ev model.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.Abort(c, errs.ErrPayloadTooLarge)
			return
		}
		middleware.Abort(c, errs.ErrMalformedRequest.WithDetail(err.Error()))
		return
	}

	ack, err := g.PublishEvent(c.Request.Context(), ev)
	switch {
	case err == nil, errors.Is(err, errs.ErrDeliveryDegraded):
		c.JSON(http.StatusAccepted, ack)
	default:
		middleware.Abort(c, err)
	}
}

func (g *Gateway) presence(c *gin.Context) {
	principal := c.Param("principal")
	instances, err := g.QueryPresence(c.Request.Context(), principal)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": principal, "instances": instances})
}

func splitRooms(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
