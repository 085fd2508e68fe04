package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reverie/coord/internal/diagnostics"
	domainagent "github.com/reverie/coord/internal/domain/agent"
	recoverysvc "github.com/reverie/coord/internal/service/recovery"
)

func Register(rg *gin.RouterGroup, recovery *recoverysvc.Service, collector *diagnostics.Collector) {
	rg.POST("/recover", recoverExpired(recovery))
	rg.POST("/gc", collectGarbage(recovery))
	rg.GET("/diagnostics", snapshot(collector))
}

type recoverReq struct {
	// AgentKey scopes the recovery pass to one agent's reservations.
	AgentKey string `json:"agent_key"`
}

// recoverExpired is the operator-triggered one-shot form of the periodic
// recovery pass. Idempotent: a second immediate call reclaims nothing.
func recoverExpired(svc *recoverysvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recoverReq
		if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var scope *domainagent.Key
		if req.AgentKey != "" {
			key, err := domainagent.ParseKey(req.AgentKey)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent_key"})
				return
			}
			scope = &key
		}

		recovered, err := svc.RecoverExpired(c.Request.Context(), scope)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		counts := make(map[string]int, len(recovered))
		for key, n := range recovered {
			counts[key.String()] = n
		}
		c.JSON(http.StatusOK, gin.H{"recovered": counts})
	}
}

func collectGarbage(svc *recoverysvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := svc.CollectGarbage(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}

func snapshot(collector *diagnostics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := collector.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}
