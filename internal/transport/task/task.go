package task

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainres "github.com/reverie/coord/internal/domain/reservation"
	dispatchsvc "github.com/reverie/coord/internal/service/dispatch"
)

func Register(rg *gin.RouterGroup, svc *dispatchsvc.Service) {
	rg.POST("/", enqueue(svc))
	rg.POST("/next", dispatchNext(svc))
	rg.GET("/:id", getTask(svc))
	rg.POST("/:id/outcome", reportOutcome(svc))
	rg.POST("/:id/cancel", cancel(svc))
	rg.POST("/:id/resubmit", resubmit(svc))
}

type enqueueReq struct {
	TaskID     string `json:"task_id" binding:"required"`
	Capability string `json:"capability" binding:"required"`
	PayloadRef string `json:"payload_ref"`
}

func enqueue(svc *dispatchsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		t, err := svc.Enqueue(c.Request.Context(), req.TaskID, req.Capability, req.PayloadRef)
		if err != nil {
			if errors.Is(err, domainres.ErrDuplicateTask) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

type pollReq struct {
	Capability string `json:"capability" binding:"required"`
	// AgentKey restricts dispatch to the polling worker. Omitted for the
	// unrestricted operator form.
	AgentKey string `json:"agent_key"`
}

// dispatchNext is the poll endpoint. An empty queue or no eligible agent is
// a 204, not an error — callers run their own poll/backoff loop.
func dispatchNext(svc *dispatchsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pollReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var (
			assignment dispatchsvc.Assignment
			ok         bool
			err        error
		)
		if req.AgentKey != "" {
			key, parseErr := domainagent.ParseKey(req.AgentKey)
			if parseErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent_key"})
				return
			}
			assignment, ok, err = svc.PollForWork(c.Request.Context(), key, req.Capability)
		} else {
			assignment, ok, err = svc.DispatchNext(c.Request.Context(), req.Capability)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, assignment)
	}
}

func getTask(svc *dispatchsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, domainres.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type outcomeReq struct {
	AgentKey string `json:"agent_key" binding:"required"`
	Outcome  string `json:"outcome" binding:"required"`
}

func reportOutcome(svc *dispatchsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outcomeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key, err := domainagent.ParseKey(req.AgentKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent_key"})
			return
		}
		outcome := domainres.Outcome(req.Outcome)
		if !outcome.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be success or failure"})
			return
		}

		t, err := svc.ReportOutcome(c.Request.Context(), c.Param("id"), key, outcome)
		if err != nil {
			switch {
			case errors.Is(err, domainres.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, domainres.ErrReservationMismatch), errors.Is(err, domainres.ErrTerminalState):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func cancel(svc *dispatchsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, domainres.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, domainres.ErrTerminalState):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func resubmit(svc *dispatchsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Resubmit(c.Request.Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, domainres.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, domainres.ErrTerminalState):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
