package task_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie/coord/internal/adapter/memory"
	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
	breakersvc "github.com/reverie/coord/internal/service/breaker"
	dispatchsvc "github.com/reverie/coord/internal/service/dispatch"
	registrysvc "github.com/reverie/coord/internal/service/registry"
	taskhandler "github.com/reverie/coord/internal/transport/task"
)

type fixture struct {
	router   *gin.Engine
	registry *registrysvc.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clockFn := func() time.Time { return now }
	bus := memory.NewEventBus()

	registry := registrysvc.NewService(memory.NewAgentStore(), bus,
		registrysvc.DefaultConfig(10*time.Second), registrysvc.WithClock(clockFn))
	breakers := breakersvc.NewService(memory.NewBreakerStore(), bus,
		breakersvc.Config{Default: domainbreaker.DefaultConfig}, breakersvc.WithClock(clockFn))
	svc := dispatchsvc.NewService(memory.NewReservationStore(), registry, breakers,
		memory.NewLocker(), bus,
		dispatchsvc.Config{ReservationTTL: time.Minute, MaxAttempts: 3},
		dispatchsvc.WithClock(clockFn))

	r := gin.New()
	taskhandler.Register(r.Group("/api/tasks"), svc)
	return &fixture{router: r, registry: registry}
}

func (f *fixture) registerWorker(t *testing.T, instance string) domainagent.Key {
	t.Helper()
	key := domainagent.Key{Type: "narrative", InstanceID: instance}
	_, err := f.registry.Register(context.Background(), key, []string{"narrative.generate"})
	require.NoError(t, err)
	return key
}

func (f *fixture) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) enqueue(t *testing.T, taskID string) {
	t.Helper()
	w := f.doJSON(t, http.MethodPost, "/api/tasks/", gin.H{
		"task_id":     taskID,
		"capability":  "narrative.generate",
		"payload_ref": "scene/" + taskID,
	})
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestEnqueueAndDuplicate(t *testing.T) {
	f := newFixture(t)

	f.enqueue(t, "task-1")

	w := f.doJSON(t, http.MethodPost, "/api/tasks/", gin.H{
		"task_id":    "task-1",
		"capability": "narrative.generate",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	w := f.doJSON(t, http.MethodPost, "/api/tasks/", gin.H{"capability": "narrative.generate"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPollEmptyQueueIs204(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w1")

	w := f.doJSON(t, http.MethodPost, "/api/tasks/next", gin.H{"capability": "narrative.generate"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPollAssignsWork(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w1")
	f.enqueue(t, "task-1")

	w := f.doJSON(t, http.MethodPost, "/api/tasks/next", gin.H{
		"capability": "narrative.generate",
		"agent_key":  "narrative:w1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var a struct {
		TaskID   string `json:"task_id"`
		AgentKey struct {
			InstanceID string `json:"instance_id"`
		} `json:"agent_key"`
		Attempt int `json:"attempt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, "task-1", a.TaskID)
	assert.Equal(t, "w1", a.AgentKey.InstanceID)
	assert.Equal(t, 1, a.Attempt)
}

func TestPollRejectsBadAgentKey(t *testing.T) {
	f := newFixture(t)

	w := f.doJSON(t, http.MethodPost, "/api/tasks/next", gin.H{
		"capability": "narrative.generate",
		"agent_key":  "no-separator",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.registerWorker(t, "w1")
	f.enqueue(t, "task-1")

	w := f.doJSON(t, http.MethodPost, "/api/tasks/next", gin.H{"capability": "narrative.generate"})
	require.Equal(t, http.StatusOK, w.Code)

	// Mismatched holder gets a conflict, not a state change.
	w = f.doJSON(t, http.MethodPost, "/api/tasks/task-1/outcome", gin.H{
		"agent_key": "narrative:w9",
		"outcome":   "failure",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/tasks/task-1/outcome", gin.H{
		"agent_key": "narrative:w1",
		"outcome":   "success",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var task struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "completed", task.State)

	// Terminal record: further reports conflict.
	w = f.doJSON(t, http.MethodPost, "/api/tasks/task-1/outcome", gin.H{
		"agent_key": "narrative:w1",
		"outcome":   "success",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOutcomeValidation(t *testing.T) {
	f := newFixture(t)

	w := f.doJSON(t, http.MethodPost, "/api/tasks/task-1/outcome", gin.H{
		"agent_key": "narrative:w1",
		"outcome":   "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/tasks/ghost/outcome", gin.H{
		"agent_key": "narrative:w1",
		"outcome":   "success",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelAndResubmit(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "task-1")

	w := f.doJSON(t, http.MethodPost, "/api/tasks/task-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task struct {
		State        string `json:"state"`
		AttemptCount int    `json:"attempt_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "failed_permanent", task.State)

	// Double cancel conflicts.
	w = f.doJSON(t, http.MethodPost, "/api/tasks/task-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/tasks/task-1/resubmit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "pending", task.State)
	assert.Equal(t, 0, task.AttemptCount)

	// Resubmit only applies to failed_permanent records.
	w = f.doJSON(t, http.MethodPost, "/api/tasks/task-1/resubmit", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.doJSON(t, http.MethodPost, "/api/tasks/ghost/resubmit", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "task-1")

	w := f.doJSON(t, http.MethodGet, "/api/tasks/task-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.doJSON(t, http.MethodGet, "/api/tasks/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
