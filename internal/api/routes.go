package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stormhold-project/stormhold/internal/util"
)

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.CurrentStatus())
}

func (s *Server) handleGames(c *gin.Context) {
	games := s.core.Games().Summaries()
	c.JSON(http.StatusOK, gin.H{
		"games": games,
		"total": len(games),
	})
}

func (s *Server) handlePlayers(c *gin.Context) {
	type playerInfo struct {
		Username  string `json:"username"`
		GameID    int    `json:"game_id"`
		Moderator bool   `json:"moderator"`
		Version   string `json:"version"`
	}
	players := s.core.Players().All()
	out := make([]playerInfo, 0, len(players))
	for _, p := range players {
		out = append(out, playerInfo{
			Username:  p.Username,
			GameID:    p.GameID(),
			Moderator: p.Moderator,
			Version:   p.Version,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"players": out,
		"total":   len(out),
	})
}

func (s *Server) handleRooms(c *gin.Context) {
	rooms := s.core.Rooms().List()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"total": len(rooms),
	})
}

func (s *Server) handleSystem(c *gin.Context) {
	cpu, _ := util.GetCPUUsage()
	mem, _ := util.GetMemoryUsage()
	disk, _ := util.GetDiskUsage(".")
	c.JSON(http.StatusOK, gin.H{
		"system":      util.GetSystemInfo(),
		"cpu_percent": cpu,
		"memory":      mem,
		"disk":        disk,
	})
}

func (s *Server) handleBans(c *gin.Context) {
	bans := s.core.Bans()
	c.JSON(http.StatusOK, gin.H{
		"bans":  bans,
		"total": len(bans),
	})
}

func (s *Server) handleKick(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.core.Kick(req.Username, req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": req.Username})
}

func (s *Server) handleBan(c *gin.Context) {
	var req struct {
		Target      string `json:"target" binding:"required"`
		Kind        string `json:"kind" binding:"required"`
		Reason      string `json:"reason"`
		DurationMin int    `json:"duration_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var expires time.Time
	if req.DurationMin > 0 {
		expires = time.Now().Add(time.Duration(req.DurationMin) * time.Minute)
	}
	if err := s.core.Ban(req.Target, req.Kind, req.Reason, "api", expires); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": req.Target})
}

func (s *Server) handleUnban(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.core.Unban(req.Target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unbanned": req.Target})
}

func (s *Server) handleTerminateGame(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game id"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&req)
	if err := s.core.TerminateGame(id, req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": id})
}

func (s *Server) handleAnnounce(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.core.Announce(req.Message)
	c.JSON(http.StatusOK, gin.H{"announced": true})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"shutting_down": true})
	go s.core.Shutdown()
}
