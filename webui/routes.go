package webui

import (
	"github.com/gin-gonic/gin"
)

func setupRoutes(r *gin.Engine, s *Server) {
	api := r.Group("/api")

	connections := api.Group("/connections")
	{
		connections.GET("", s.listConnections)
		connections.POST("", s.createConnection)
		connections.GET("/:id", s.getConnection)
		connections.PUT("/:id", s.updateConnection)
		connections.DELETE("/:id", s.deleteConnection)
		connections.POST("/:id/connect", s.connectConnection)
		connections.POST("/:id/disconnect", s.disconnectConnection)
		connections.GET("/:id/status", s.connectionStatus)
		connections.GET("/:id/variables", s.connectionVariables)
		connections.GET("/:id/symbols", s.connectionSymbols)
		connections.POST("/:id/discovery", s.triggerDiscovery)
		connections.PUT("/:id/discovery", s.setDiscoveryConfig)
	}

	variables := api.Group("/variables")
	{
		variables.GET("", s.listVariables)
		variables.POST("", s.createVariable)
		variables.GET("/:id", s.getVariable)
		variables.DELETE("/:id", s.deleteVariable)
		variables.POST("/:id/write", s.writeVariable)
		variables.GET("/:id/history", s.variableHistory)
		variables.GET("/:id/statistics", s.variableStatistics)
	}

	monitoring := api.Group("/monitoring")
	{
		monitoring.GET("/summary", s.monitoringSummary)
		monitoring.GET("/health", s.systemHealth)
		monitoring.GET("/metrics", s.metricHistory)
		monitoring.GET("/operations", s.operationReport)
	}

	audit := api.Group("/audit")
	{
		audit.GET("", s.auditList)
		audit.GET("/variable/:id", s.auditByVariable)
		audit.GET("/actor/:actor", s.auditByActor)
		audit.GET("/stats", s.auditStats)
	}

	api.GET("/cache/stats", s.cacheStats)
	api.DELETE("/cache", s.clearCache)

	api.GET("/queue/stats", s.queueStats)
	api.GET("/queue/health", s.queueHealth)
	api.GET("/queue/failed", s.failedJobs)
	api.POST("/queue/retry/:jobId", s.retryJob)

	api.GET("/buffer/stats", s.bufferSummary)
	api.GET("/buffer/:variableId/stats", s.bufferStats)
	api.DELETE("/buffer/:variableId", s.clearBuffer)

	api.GET("/system/logs", s.systemLogs)
	api.DELETE("/system/logs", s.clearSystemLogs)

	api.GET("/system/sinks", s.sinkStatus)
	api.PUT("/system/sinks", s.configureSinks)
	api.POST("/system/broker/restart", s.restartBroker)

	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
}
