package http

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/process"
)

// Pinger is a dependency whose reachability is reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type healthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Time     string            `json:"time"`
	Checks   map[string]string `json:"checks"`
	MemoryMB float64           `json:"memoryRssMb,omitempty"`
}

// NewHealthHandler registers GET /health. It answers 503 when any dependency
// fails its ping.
func NewHealthHandler(e *echo.Echo, version string, deps map[string]Pinger) {
	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:  "healthy",
			Version: version,
			Time:    time.Now().UTC().Format(time.RFC3339),
			Checks:  make(map[string]string, len(deps)),
		}
		status := http.StatusOK
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				slog.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
				resp.Checks[name] = "down"
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "up"
		}

		if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
			if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
				resp.MemoryMB = float64(mem.RSS) / (1 << 20)
			}
		}
		return c.JSON(status, resp)
	})
}
