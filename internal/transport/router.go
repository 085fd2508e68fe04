package transport

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/reverie/coord/internal/adapter/memory"
	"github.com/reverie/coord/internal/diagnostics"
	"github.com/reverie/coord/internal/domain/event"
	portbus "github.com/reverie/coord/internal/port/eventbus"
	dispatchsvc "github.com/reverie/coord/internal/service/dispatch"
	recoverysvc "github.com/reverie/coord/internal/service/recovery"
	registrysvc "github.com/reverie/coord/internal/service/registry"

	adminhandler "github.com/reverie/coord/internal/transport/admin"
	agenthandler "github.com/reverie/coord/internal/transport/agent"
	mcptransport "github.com/reverie/coord/internal/transport/mcp"
	taskhandler "github.com/reverie/coord/internal/transport/task"
	wshandler "github.com/reverie/coord/internal/transport/ws"
)

func NewRouter(
	ctx context.Context,
	registrySvc *registrysvc.Service,
	dispatchSvc *dispatchsvc.Service,
	recoverySvc *recoverysvc.Service,
	collector *diagnostics.Collector,
	mcpServer *mcptransport.Server,
	eventBus portbus.EventBus,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())
	r.Use(IdempotencyMiddleware(memory.NewCache()))

	api := r.Group("/api")

	agenthandler.Register(api.Group("/agents"), registrySvc)
	taskhandler.Register(api.Group("/tasks"), dispatchSvc)
	adminhandler.Register(api.Group("/admin"), recoverySvc, collector)

	r.Any("/mcp", gin.WrapH(mcpServer.Handler()))

	hub := wshandler.NewHub()
	hub.Register(api.Group("/ws"))

	// Bridge: one subscription per domain channel (3 Postgres connections).
	// All events within a channel are forwarded to WS clients; event.Type in
	// the payload lets the client filter. AgentHeartbeat is excluded — high
	// volume and no actionable state for a producer UI.
	for _, ch := range []event.Channel{
		event.ChannelTask,
		event.ChannelAgent,
		event.ChannelBreaker,
	} {
		c := ch
		if _, err := eventBus.Subscribe(ctx, c, func(_ context.Context, e event.Event) {
			if e.Type == event.TypeAgentHeartbeat {
				return
			}
			hub.Broadcast(e)
		}); err != nil {
			slog.Error("failed to subscribe channel to WS hub", "channel", c, "error", err)
		}
	}

	return r
}
