package webui

import (
	"net/http"

	"github.com/gin-gonic/gin"

	dataforwarding "ads-gateway/data-forwarding"
	"ads-gateway/logic"
)

func (s *Server) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.CacheStats())
}

func (s *Server) clearCache(c *gin.Context) {
	n := s.gw.ClearCache(actor(c))
	c.JSON(http.StatusOK, gin.H{"invalidated": n})
}

func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.QueueStats())
}

func (s *Server) queueHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.QueueHealth())
}

func (s *Server) failedJobs(c *gin.Context) {
	jobs := s.gw.FailedJobs(c.Query("queue"), int(queryInt64(c, "limit", 50)))
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) retryJob(c *gin.Context) {
	if err := s.gw.RetryJob(actor(c), c.Param("jobId")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requeued"})
}

func (s *Server) bufferSummary(c *gin.Context) {
	summary := s.gw.BufferSummary()
	c.JSON(http.StatusOK, gin.H{
		"summary":  summary,
		"wsDrops":  s.hub.Drops(),
		"wsCount":  s.hub.ClientCount(),
	})
}

func (s *Server) bufferStats(c *gin.Context) {
	stats, ok := s.gw.BufferStats(c.Param("variableId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no buffer for variable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) clearBuffer(c *gin.Context) {
	s.gw.ClearBuffer(actor(c), c.Param("variableId"))
	c.Status(http.StatusNoContent)
}

func (s *Server) sinkStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.gw.SinkCount()})
}

// configureSinks replaces the external forwarding sink set.
func (s *Server) configureSinks(c *gin.Context) {
	var configs []dataforwarding.SinkConfig
	if err := c.ShouldBindJSON(&configs); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	n := s.gw.ConfigureSinks(actor(c), configs)
	c.JSON(http.StatusOK, gin.H{"active": n})
}

func (s *Server) restartBroker(c *gin.Context) {
	if err := s.gw.RestartBroker(actor(c)); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

func (s *Server) systemLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": logic.GetLogs()})
}

func (s *Server) clearSystemLogs(c *gin.Context) {
	logic.ClearLogs()
	c.Status(http.StatusNoContent)
}
