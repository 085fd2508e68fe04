package agent

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	registrysvc "github.com/reverie/coord/internal/service/registry"
)

func Register(rg *gin.RouterGroup, svc *registrysvc.Service) {
	rg.POST("/register", registerAgent(svc))
	rg.POST("/:key/heartbeat", heartbeat(svc))
	rg.GET("/", listAgents(svc))
	rg.GET("/:key", getAgent(svc))
}

type registerReq struct {
	AgentType    string   `json:"agent_type" binding:"required"`
	InstanceID   string   `json:"instance_id" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

type agentView struct {
	domainagent.Record
	Status domainagent.Status `json:"status"`
}

func view(svc *registrysvc.Service, rec domainagent.Record) agentView {
	return agentView{Record: rec, Status: svc.StatusOf(rec)}
}

func registerAgent(svc *registrysvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		key := domainagent.Key{Type: req.AgentType, InstanceID: req.InstanceID}
		rec, err := svc.Register(c.Request.Context(), key, req.Capabilities)
		if err != nil {
			if errors.Is(err, domainagent.ErrInvalidCapabilitySet) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, view(svc, rec))
	}
}

func heartbeat(svc *registrysvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := domainagent.ParseKey(c.Param("key"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent key"})
			return
		}

		if err := svc.Heartbeat(c.Request.Context(), key); err != nil {
			if errors.Is(err, domainagent.ErrUnknownAgent) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func listAgents(svc *registrysvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			records []domainagent.Record
			err     error
		)
		if capability := c.Query("capability"); capability != "" {
			// Capability-scoped listing is the dispatch-candidate view:
			// live agents only, derived at call time.
			records, err = svc.ListLive(c.Request.Context(), capability)
		} else {
			records, err = svc.List(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		views := make([]agentView, 0, len(records))
		for _, rec := range records {
			views = append(views, view(svc, rec))
		}
		c.JSON(http.StatusOK, views)
	}
}

func getAgent(svc *registrysvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := domainagent.ParseKey(c.Param("key"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent key"})
			return
		}

		rec, err := svc.Get(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view(svc, rec))
	}
}
