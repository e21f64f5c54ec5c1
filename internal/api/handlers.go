package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmill/taskmill/internal/services"
	"github.com/taskmill/taskmill/pkg/models"
	"github.com/taskmill/taskmill/pkg/repository"
)

const maxDocumentSize = 1 << 20

// writeError maps service errors onto HTTP statuses. Anything
// unclassified is a 500 with the detail kept out of the response.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case models.IsDefinitionError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrInvalidState), errors.Is(err, repository.ErrInvalidInput), errors.Is(err, repository.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func documentFormat(contentType string) string {
	if strings.Contains(contentType, "yaml") || strings.Contains(contentType, "yml") {
		return "yaml"
	}
	return "json"
}

func (s *Server) handleRegisterDefinition(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentSize)
	doc, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read document"})
		return
	}
	if len(doc) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty document"})
		return
	}

	def, err := s.service.RegisterDefinition(c.Request.Context(), doc, documentFormat(c.ContentType()))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (s *Server) handleGetDefinition(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	def, err := s.service.GetDefinition(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleListDefinitions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	defs, err := s.service.ListDefinitions(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definitions": defs, "count": len(defs)})
}

type startExecutionRequest struct {
	DefinitionID string         `json:"definition_id"`
	Name         string         `json:"name"`
	Version      int            `json:"version"`
	Input        models.JSONMap `json:"input"`
}

func (s *Server) handleStartExecution(c *gin.Context) {
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var execution *models.Execution
	var err error
	switch {
	case req.DefinitionID != "":
		id, parseErr := uuid.Parse(req.DefinitionID)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition_id"})
			return
		}
		execution, err = s.service.StartExecution(c.Request.Context(), id, req.Input)
	case req.Name != "":
		execution, err = s.service.StartExecutionByName(c.Request.Context(), req.Name, req.Version, req.Input)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "definition_id or name is required"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, execution)
}

func (s *Server) handleGetExecution(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	execution, err := s.service.GetExecution(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, execution)
}

func (s *Server) handleListExecutions(c *gin.Context) {
	filter := repository.ExecutionFilter{
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if raw := c.Query("definition_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition_id"})
			return
		}
		filter.DefinitionID = id
	}
	if raw := c.Query("status"); raw != "" {
		filter.Status = models.ExecutionStatus(strings.ToUpper(raw))
	}

	executions, err := s.service.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

func (s *Server) handleListTaskExecutions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tasks, err := s.service.ListTaskExecutions(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleCancelExecution(c *gin.Context) {
	s.handleTransition(c, s.service.CancelExecution)
}

func (s *Server) handlePauseExecution(c *gin.Context) {
	s.handleTransition(c, s.service.PauseExecution)
}

func (s *Server) handleResumeExecution(c *gin.Context) {
	s.handleTransition(c, s.service.ResumeExecution)
}

func (s *Server) handleTransition(c *gin.Context, op func(ctx context.Context, id uuid.UUID) error) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id})
}

func (s *Server) handleDeleteExecution(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.service.DeleteExecution(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
