package handlers

import (
	"context"
	"net/http"
	"os/exec"
	"time"

	"audio2mp4/internal/httpkit"
)

const checkTimeout = 5 * time.Second

// Ping answers liveness probes from the web client.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Health reports service state; ?deep=true also checks dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	active, busy := h.registry.ActiveJob()
	health := map[string]any{
		"status":      "ok",
		"service":     "audio2mp4-api",
		"busy":        busy,
		"jobs":        h.registry.Len(),
		"subscribers": h.bus.TotalSubscribers(),
	}
	if busy {
		health["activeJob"] = active
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] == "error" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	return map[string]map[string]any{
		"postgres": h.checkPostgres(ctx),
		"redis":    h.checkRedis(ctx),
		"storage":  h.checkStorage(),
		"ffmpeg":   h.checkFFmpeg(),
	}
}

func (h *Handler) checkPostgres(ctx context.Context) map[string]any {
	if h.pool == nil {
		return map[string]any{"status": "disabled"}
	}
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := h.pool.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	} else {
		stats := h.pool.Stat()
		result["total_conns"] = stats.TotalConns()
		result["idle_conns"] = stats.IdleConns()
		result["acquired_conns"] = stats.AcquiredConns()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	if h.rdb == nil {
		return map[string]any{"status": "disabled"}
	}
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := h.rdb.Ping(checkCtx).Err(); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkStorage() map[string]any {
	if h.sp == nil {
		return map[string]any{"status": "disabled"}
	}
	return map[string]any{"status": "ok", "provider": h.sp.Provider()}
}

func (h *Handler) checkFFmpeg() map[string]any {
	result := map[string]any{"status": "ok", "path": h.ffmpeg}
	resolved, err := exec.LookPath(h.ffmpeg)
	if err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
		return result
	}
	result["resolved"] = resolved
	return result
}
