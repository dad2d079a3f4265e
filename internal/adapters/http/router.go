package http

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/dkeye/Relay/internal/adapters/signal"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// sessionKey picks the session for a signaling request: the path parameter
// wins over ?session=. The empty key goes to the router's default session.
func sessionKey(c *gin.Context) (domain.SessionKey, error) {
	raw := c.Param("session")
	if raw == "" {
		raw = c.Query("session")
	}
	return domain.ParseSessionKey(raw)
}

// CORSMiddleware opens the API to pages served from other LAN origins.
// Preflight requests are answered without reaching the route.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())

	ctrl := signal.NewSignalWSController(
		orch,
		signal.NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval),
		signal.OptionsFromConfig(cfg),
	)

	ws := func(c *gin.Context) {
		key, err := sessionKey(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Str("session", key.String()).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, key)
	}
	r.GET("/ws", ws)
	r.GET("/ws/:session", ws)

	if cfg.StaticPath != "" {
		page := func(name string) gin.HandlerFunc {
			file := filepath.Join(cfg.StaticPath, name)
			return func(c *gin.Context) { c.File(file) }
		}
		r.Static("/static", cfg.StaticPath)
		r.GET("/", page("index.html"))
		r.GET("/offer", page("offer.html"))
		r.GET("/user1", page("offer.html"))
		r.GET("/answer", page("answer.html"))
		r.GET("/user2", page("answer.html"))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": orch.Router.Sessions()})
	})

	api.GET("/sessions/:session", func(c *gin.Context) {
		key, err := domain.ParseSessionKey(c.Param("session"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		info, ok := orch.Router.Session(key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	api.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"count":       orch.Registry.Count(),
			"connections": orch.Registry.Snapshot(),
		})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Int("capacity", cfg.SessionCapacity).Msg("router setup")
	return r
}
