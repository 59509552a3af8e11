package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-chat/pkg/network"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// HealthResponse is the body of /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Store  string `json:"store"`
}

// StatsResponse is the body of /api/v1/stats
type StatsResponse struct {
	Store       storage.Stats  `json:"store"`
	Connections *network.Stats `json:"connections,omitempty"`
}

// AccountsResponse is the body of /api/v1/accounts
type AccountsResponse struct {
	Pattern  string   `json:"pattern"`
	Accounts []string `json:"accounts"`
	Count    int      `json:"count"`
}

// AccountResponse is the body of /api/v1/accounts/:name
type AccountResponse struct {
	Name      string `json:"name"`
	Exists    bool   `json:"exists"`
	HasUnread bool   `json:"has_unread"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Store:  "ok",
	}

	if _, err := s.store.Stats(c.Request.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to collect stats", Message: err.Error()})
		return
	}

	resp := StatsResponse{Store: stats}
	if s.conns != nil {
		cs := s.conns.Stats()
		resp.Connections = &cs
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	pattern := c.DefaultQuery("pattern", ".*")

	seq, err := s.store.List(c.Request.Context(), pattern)
	if errors.Is(err, storage.ErrInvalidPattern) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid pattern", Message: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list accounts", Message: err.Error()})
		return
	}

	names := []string{}
	for name, err := range seq {
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list accounts", Message: err.Error()})
			return
		}
		names = append(names, name)
	}

	c.JSON(http.StatusOK, AccountsResponse{Pattern: pattern, Accounts: names, Count: len(names)})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	exists, err := s.store.Exists(ctx, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to look up account", Message: err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Account not found"})
		return
	}

	unread, err := s.store.HasUnread(ctx, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to check mailbox", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, AccountResponse{Name: name, Exists: true, HasUnread: unread})
}
