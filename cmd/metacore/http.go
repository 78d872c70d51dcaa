package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/metacore/ingest-core/internal/callback"
	"github.com/metacore/ingest-core/internal/containers"
	"github.com/metacore/ingest-core/internal/scheduler"
	"github.com/metacore/ingest-core/internal/supervisor"
)

// newRouter builds the control and callback HTTP surface: plugin fleet
// management, pipeline pause/resume/drain, retry operations, and the
// /callback endpoint plugin workers post results to.
func newRouter(sup *supervisor.Supervisor, router *callback.Router, log *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/callback", func(c *gin.Context) {
		var payload callback.Payload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := router.Handle(payload); err != nil {
			log.Warn("callback handling failed", "taskId", payload.TaskID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	control := r.Group("/api/control")

	pipelineGroup := control.Group("/pipeline")
	{
		pipelineGroup.POST("/stop", func(c *gin.Context) {
			sup.StopPipeline()
			c.Status(http.StatusNoContent)
		})
		pipelineGroup.POST("/start", func(c *gin.Context) {
			sup.StartPipeline()
			c.Status(http.StatusNoContent)
		})
		pipelineGroup.GET("/wait-empty", func(c *gin.Context) {
			timeoutMs := queryInt(c, "timeoutMs", 30_000)
			c.JSON(http.StatusOK, sup.WaitEmpty(timeoutMs))
		})
	}

	gateGroup := control.Group("/gate")
	{
		gateGroup.POST("/drain", func(c *gin.Context) {
			timeoutMs := queryInt(c, "timeoutMs", 30_000)
			ok := sup.CloseGateAndDrain(timeoutMs)
			c.JSON(http.StatusOK, gin.H{"drained": ok})
		})
		gateGroup.POST("/reopen", func(c *gin.Context) {
			sup.ReopenGate()
			c.Status(http.StatusNoContent)
		})
	}

	pluginsGroup := control.Group("/plugins")
	{
		pluginsGroup.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, sup.ListPlugins())
		})
		pluginsGroup.POST("", func(c *gin.Context) {
			var d containers.Descriptor
			if err := c.ShouldBindJSON(&d); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := sup.AddPlugin(c.Request.Context(), d); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusCreated)
		})
		pluginsGroup.DELETE("/:pluginId", func(c *gin.Context) {
			if err := sup.RemovePlugin(c.Request.Context(), c.Param("pluginId")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
		pluginsGroup.POST("/:pluginId/activate", func(c *gin.Context) {
			if err := sup.ActivatePlugin(c.Request.Context(), c.Param("pluginId")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
		pluginsGroup.POST("/:pluginId/deactivate", func(c *gin.Context) {
			if err := sup.DeactivatePlugin(c.Request.Context(), c.Param("pluginId")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
		pluginsGroup.PUT("/:pluginId/config", func(c *gin.Context) {
			var cfg map[string]any
			if err := c.ShouldBindJSON(&cfg); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := sup.UpdatePluginConfig(c.Param("pluginId"), cfg); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
		pluginsGroup.POST("/:pluginId/restart", func(c *gin.Context) {
			if err := sup.RestartPlugin(c.Request.Context(), c.Param("pluginId")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
		pluginsGroup.POST("/:pluginId/recompute", func(c *gin.Context) {
			var body struct {
				Files []scheduler.FileRef `json:"files"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := sup.RecomputeAllFiles(c.Request.Context(), c.Param("pluginId"), body.Files); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusAccepted)
		})
		pluginsGroup.POST("/restart-all", func(c *gin.Context) {
			if err := sup.RestartAll(c.Request.Context()); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
	}

	retryGroup := control.Group("/retry")
	{
		retryGroup.POST("/file", func(c *gin.Context) {
			var body struct {
				Path string `json:"path" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := sup.RetryFile(body.Path); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNoContent)
		})
		retryGroup.POST("/all-failed", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"retried": sup.RetryAllFailed()})
		})
	}

	control.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gateOpen":       sup.Gate.IsOpen(),
			"pipelinePaused": sup.Pipeline.IsPaused(),
			"states":         sup.Registry.CountByState(),
		})
	})

	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, ok := c.GetQuery(key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func runHTTPServer(ctx context.Context, addr string, r *gin.Engine, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()
	return srv
}
