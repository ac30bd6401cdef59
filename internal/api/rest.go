package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"crabcity/internal/manager"
	"crabcity/internal/wire"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListInstances(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), wire.MailboxTimeout)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"instances": s.mgr.List(ctx)})
}

type createInstanceRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command" binding:"required"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Cwd     string            `json:"cwd"`
	Cols    int               `json:"cols"`
	Rows    int               `json:"rows"`
}

func (s *Server) handleCreateInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	act, err := s.mgr.Create(manager.CreateSpec{
		Name:    req.Name,
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Cwd:     req.Cwd,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wire.MailboxTimeout)
	defer cancel()
	summary, err := act.Describe(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.mux.BroadcastLifecycle(wire.ServerMessage{Type: wire.TypeInstanceCreated, Instance: &summary})
	c.JSON(http.StatusCreated, summary)
}

func (s *Server) handleDeleteInstance(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), wire.MailboxTimeout)
	defer cancel()
	err := s.mgr.Remove(ctx, id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, manager.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	}
}
