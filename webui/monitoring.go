package webui

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) monitoringSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Summary())
}

func (s *Server) systemHealth(c *gin.Context) {
	health := s.gw.Health()
	status := http.StatusOK
	if health["status"] == "degraded" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) metricHistory(c *gin.Context) {
	metrics, err := s.gw.MetricHistory(
		c.Query("type"),
		queryInt64(c, "since", 0),
		int(queryInt64(c, "limit", 500)),
	)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) operationReport(c *gin.Context) {
	n := int(queryInt64(c, "top", 0))
	if n > 0 {
		c.JSON(http.StatusOK, s.gw.Monitor.Top(n))
		return
	}
	c.JSON(http.StatusOK, s.gw.Monitor.Report())
}

func (s *Server) auditList(c *gin.Context) {
	records, err := s.gw.AuditList(int(queryInt64(c, "limit", 100)))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) auditByVariable(c *gin.Context) {
	records, err := s.gw.AuditByVariable(c.Param("id"), int(queryInt64(c, "limit", 100)))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) auditByActor(c *gin.Context) {
	records, err := s.gw.AuditByActor(c.Param("actor"), int(queryInt64(c, "limit", 100)))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) auditStats(c *gin.Context) {
	stats, err := s.gw.AuditStats()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
