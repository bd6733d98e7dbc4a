package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/vscope-host/internal/serial"
	"github.com/taoyao-code/vscope-host/internal/storage"
	"github.com/taoyao-code/vscope-host/internal/store"
)

// RegisterRoutes 注册 REST API 路由
func RegisterRoutes(r *gin.Engine, st *store.Store, repo storage.SnapshotRepo, logger *zap.Logger) {
	if r == nil || st == nil {
		return
	}
	handler := NewHandler(st, repo, logger)

	v1 := r.Group("/api/v1")

	// 查询
	v1.GET("/devices", handler.ListDevices)
	v1.GET("/consensus", handler.GetConsensus)
	v1.GET("/snapshots", handler.ListSnapshots)
	v1.GET("/snapshots/:id", handler.GetSnapshot)
	v1.GET("/ports", func(c *gin.Context) {
		ports, err := serial.ListPorts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ports": ports})
	})

	// 命令（受一致性门约束）
	cmd := v1.Group("/command")
	cmd.POST("/state", handler.CommandState)
	cmd.POST("/trigger", handler.CommandTrigger)
	cmd.POST("/timing", handler.CommandTiming)
	cmd.POST("/triggerconfig", handler.CommandTriggerConfig)
	cmd.POST("/channelmap", handler.CommandChannelMap)

	if logger != nil {
		logger.Info("api routes registered", zap.Int("endpoints", 10))
	}
}
