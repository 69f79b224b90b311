package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/adapters/signal"
	"github.com/dkeye/Phone/internal/app"
	"github.com/dkeye/Phone/internal/config"
)

func SetupRouter(ctx context.Context, cfg config.Relay, ctrl *signal.SignalWSController, registry *app.Registry, metrics http.Handler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "devices": registry.Count()})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	r.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
