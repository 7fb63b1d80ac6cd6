package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/observability"
)

// Admin is the HTTP inspection surface: health, metrics, and read-only
// views of the relays, traces, and the handle arena.
type Admin struct {
	svc      *Service
	router   *gin.Engine
	appeared time.Time
}

func NewAdmin(svc *Service) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(svc.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{svc: svc, router: r, appeared: time.Now()}
	a.registerRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) Serve() error {
	return a.router.Run(a.svc.cfg.AdminAddr)
}

// validator returns nil when no admin token is configured, leaving the
// mutating routes open for local development.
func (a *Admin) validator() auth.Validator {
	if a.svc.cfg.AdminToken == "" {
		return nil
	}
	return auth.StaticToken{Token: a.svc.cfg.AdminToken}
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(a.appeared).String(),
			"component": a.svc.cfg.Name,
			"version":   "0.0.1",
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(a.appeared).String(),
			"component": a.svc.cfg.Name,
			"version":   "0.0.1",
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/relays", func(c *gin.Context) {
		relays := a.svc.coord.Relays()
		list := make([]gin.H, 0, len(relays))
		for _, r := range relays {
			list = append(list, gin.H{
				"requester": r.RequesterID(),
				"buffering": r.Buffering(),
				"pending":   r.PendingLen(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"relays": list})
	})

	a.router.GET("/relays/:requester/trace", func(c *gin.Context) {
		requester := c.Param("requester")
		for _, r := range a.svc.coord.Relays() {
			if r.RequesterID() == requester {
				c.JSON(http.StatusOK, gin.H{
					"requester": requester,
					"trace":     r.Trace().Snapshot(),
				})
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "relay not found"})
	})

	a.router.GET("/handles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"live": a.svc.owner.Handles().Len(),
		})
	})

	a.router.DELETE("/handles/:id", auth.Required(a.validator()), func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handle id"})
			return
		}
		if !a.svc.owner.Handles().Release(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "handle not found"})
			return
		}
		observability.SetLiveHandles(a.svc.owner.Handles().Len())
		c.JSON(http.StatusOK, gin.H{"status": "released", "handle": id})
	})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
