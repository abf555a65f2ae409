package coordinator

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/coedit/mcpd/internal/engine"
	"github.com/coedit/mcpd/internal/observability"
)

// adminRouter exposes the operator surface: health, metrics, the counter
// snapshot, and the undo/redo verbs.
func (s *Service) adminRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetrics(s.cfg.InstanceID))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(s.startedAt).String(),
			"instance_id": s.cfg.InstanceID,
			"connected":   s.Connected(),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":     s.Running(),
			"connected": s.Connected(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Metrics())
	})

	r.POST("/undo", func(c *gin.Context) {
		if err := s.Undo(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, engine.ErrNothingToUndo) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/redo", func(c *gin.Context) {
		if err := s.Redo(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, engine.ErrNothingToRedo) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func (s *Service) startAdmin() {
	s.admin = &http.Server{
		Addr:    s.cfg.AdminAddr,
		Handler: s.adminRouter(),
	}
	go func() {
		log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin_listening")
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin_serve_failed")
		}
	}()
}
