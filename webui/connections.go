package webui

import (
	"net/http"

	"github.com/gin-gonic/gin"

	ads "ads-gateway/driver/ads"
	"ads-gateway/logic"
)

func (s *Server) listConnections(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.ListConnections())
}

func (s *Server) getConnection(c *gin.Context) {
	conn, ok := s.gw.GetConnection(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (s *Server) createConnection(c *gin.Context) {
	var conn logic.Connection
	if err := c.ShouldBindJSON(&conn); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.gw.CreateConnection(actor(c), &conn); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (s *Server) updateConnection(c *gin.Context) {
	var delta logic.Connection
	if err := c.ShouldBindJSON(&delta); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.gw.UpdateConnection(actor(c), c.Param("id"), &delta); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, delta)
}

func (s *Server) deleteConnection(c *gin.Context) {
	if err := s.gw.DeleteConnection(actor(c), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) connectConnection(c *gin.Context) {
	if err := s.gw.ConnectConnection(actor(c), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
}

func (s *Server) disconnectConnection(c *gin.Context) {
	if err := s.gw.DisconnectConnection(actor(c), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func (s *Server) connectionStatus(c *gin.Context) {
	status, err := s.gw.ConnectionStatus(c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) connectionVariables(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.ListVariablesFor(c.Param("id")))
}

func (s *Server) connectionSymbols(c *gin.Context) {
	symbols, err := s.gw.ListSymbols(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(symbols), "symbols": symbols})
}

func (s *Server) triggerDiscovery(c *gin.Context) {
	jobID, err := s.gw.TriggerDiscovery(actor(c), c.Param("id"))
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

func (s *Server) setDiscoveryConfig(c *gin.Context) {
	var cfg ads.DiscoveryConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.gw.SetDiscoveryConfig(actor(c), c.Param("id"), cfg); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
