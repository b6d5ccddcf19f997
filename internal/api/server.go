// Package api implements the admin REST API: read-only monitoring of
// players and games, plus token-protected moderation endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/config"
	intnet "github.com/stormhold-project/stormhold/internal/network"
	"github.com/stormhold-project/stormhold/internal/server"
)

// Server is the admin REST API server.
type Server struct {
	cfg  *config.Config
	core *server.Server

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server around the game server core.
func NewServer(cfg *config.Config, core *server.Server) *Server {
	if cfg.ApplicationData.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{cfg: cfg, core: core}
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	apiCfg := s.cfg.ApplicationData.API
	addr := fmt.Sprintf("%s:%d", apiCfg.BindAddress, apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR allows immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/games", s.handleGames)
		api.GET("/players", s.handlePlayers)
		api.GET("/rooms", s.handleRooms)
		api.GET("/system", s.handleSystem)

		admin := api.Group("/", s.requireToken())
		{
			admin.GET("/bans", s.handleBans)
			admin.POST("/kick", s.handleKick)
			admin.POST("/ban", s.handleBan)
			admin.POST("/unban", s.handleUnban)
			admin.POST("/games/:id/terminate", s.handleTerminateGame)
			admin.POST("/announce", s.handleAnnounce)
			admin.POST("/shutdown", s.handleShutdown)
		}
	}
	return router
}

// requireToken gates mutating endpoints behind the configured bearer
// token. With no token configured the endpoints are disabled entirely.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.ApplicationData.API.AuthToken
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin endpoints are disabled: no auth token configured",
			})
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
	}
}
