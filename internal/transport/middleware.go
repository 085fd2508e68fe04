package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reverie/coord/internal/adapter/memory"
)

// noisyPaths are high-frequency paths logged at Debug to keep Info clean:
// worker poll/heartbeat traffic and the diagnostics scrape.
var noisyPaths = map[string]bool{
	"/api/tasks/next":        true,
	"/api/admin/diagnostics": true,
}

func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.Method == "OPTIONS" {
			return
		}
		path := c.Request.URL.Path
		if noisyPaths[path] || isHeartbeatPath(path) {
			slog.Debug("request",
				"method", c.Request.Method,
				"path", path,
				"status", c.Writer.Status(),
				"duration", time.Since(start),
			)
			return
		}

		slog.Info("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func isHeartbeatPath(path string) bool {
	const suffix = "/heartbeat"
	return len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix
}

const idempotencyTTL = 10 * time.Minute

type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first response for POSTs that carry an
// Idempotency-Key header, so producer retries of submit/outcome calls are
// safe across transient network failures. Process-local: the durable guard
// is the store's duplicate-task rejection.
func IdempotencyMiddleware(cache *memory.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}
		key = c.Request.URL.Path + "|" + key

		if data, err := cache.Get(c.Request.Context(), key); err == nil {
			var cached cachedResponse
			if json.Unmarshal(data, &cached) == nil {
				c.Data(cached.Status, "application/json", cached.Body)
				c.Abort()
				return
			}
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()

		status := c.Writer.Status()
		if status >= 500 {
			return
		}
		data, err := json.Marshal(cachedResponse{Status: status, Body: cw.buf.Bytes()})
		if err != nil {
			return
		}
		if err := cache.Set(c.Request.Context(), key, data, idempotencyTTL); err != nil {
			slog.Warn("idempotency cache store failed", "error", err)
		}
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS, PUT")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
