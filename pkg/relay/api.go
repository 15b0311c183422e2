package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// setupAPIRoutes mounts the operator-facing status API next to the
// websocket endpoint
func (s *Server) setupAPIRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/queue", s.handleQueue)
		v1.GET("/tier", s.handleTier)
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"nodeId":          s.cfg.NodeID,
		"uptimeSeconds":   int64(s.Uptime().Seconds()),
		"connectedUsers":  s.ConnectedUsers(),
		"messagesRelayed": s.MessagesRelayed(),
		"tier":            s.cfg.Tier.String(),
	}

	if s.uplink != nil {
		status["hubAuthenticated"] = s.uplink.Authenticated()
		if t := s.uplink.Tunnel(); t.TunnelID != "" {
			status["tunnelId"] = t.TunnelID
			status["hubEndpoint"] = t.Endpoint
			status["hubFeePercent"] = t.HubFeePercent
		}
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleQueue(c *gin.Context) {
	count, err := s.store.TotalCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	bytes, err := s.store.TotalBytes()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ceiling := s.cfg.Tier.StorageCeiling()
	c.JSON(http.StatusOK, gin.H{
		"queuedMessages": count,
		"queuedBytes":    bytes,
		"ceilingBytes":   ceiling,
		"utilization":    float64(bytes) / float64(ceiling),
	})
}

func (s *Server) handleTier(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tier":             s.cfg.Tier.String(),
		"storageCeiling":   s.cfg.Tier.StorageCeiling(),
		"rewardMultiplier": s.cfg.Tier.RewardMultiplier(),
	})
}
