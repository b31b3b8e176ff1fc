package webui

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ads-gateway/logic"
)

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (s *Server) listVariables(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.ListVariables())
}

func (s *Server) getVariable(c *gin.Context) {
	v, ok := s.gw.GetVariable(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "variable not found"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) createVariable(c *gin.Context) {
	var body struct {
		logic.Variable
		ConnectionID   string `json:"connectionId"`
		SamplePeriodMs int64  `json:"samplePeriodMs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	v := body.Variable
	if body.SamplePeriodMs > 0 {
		v.SamplePeriod = millis(body.SamplePeriodMs)
	}
	if err := s.gw.CreateVariable(actor(c), body.ConnectionID, &v); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *Server) deleteVariable(c *gin.Context) {
	if err := s.gw.DeleteVariable(actor(c), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeVariable enqueues the write; the correlation id comes back as jobId.
func (s *Server) writeVariable(c *gin.Context) {
	var body struct {
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	jobID, err := s.gw.WriteVariable(actor(c), c.Param("id"), body.Value, "rest")
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (s *Server) variableHistory(c *gin.Context) {
	start := queryInt64(c, "start", 0)
	end := queryInt64(c, "end", 0)
	limit := int(queryInt64(c, "limit", 100))

	entries, err := s.gw.ReadHistory(c.Param("id"), start, end, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"variableId": c.Param("id"), "entries": entries})
}

func (s *Server) variableStatistics(c *gin.Context) {
	stats, err := s.gw.ReadStatistics(c.Param("id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt64(c *gin.Context, name string, fallback int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
