package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"custody/internal/custody"
	"custody/internal/models"
)

// taskResponse adds the derived status to the stored task.
type taskResponse struct {
	models.Task
	Status models.Status `json:"status"`
}

func newTaskResponse(task models.Task) taskResponse {
	return taskResponse{Task: task, Status: task.Status()}
}

// handleListTasks lists the caller's assigned tasks. Admins may pass
// ?courier= to look at another courier.
func (s *Server) handleListTasks(c *gin.Context) {
	p := principalFrom(c)
	courierID := p.ID
	if requested := c.Query("courier"); requested != "" {
		if requested != p.ID && !p.Admin {
			s.respondError(c, http.StatusForbidden, fmt.Errorf("cannot list tasks of another courier"))
			return
		}
		courierID = requested
	}

	tasks, err := s.tasks.ListTasksByCourier(c.Request.Context(), courierID)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, newTaskResponse(t))
	}
	respondSuccess(c, http.StatusOK, gin.H{"tasks": out})
}

// handleGetTask returns one task with its derived status.
func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"task": newTaskResponse(task)})
}

// handleAllowedCheckpoints lists the checkpoints the courier may still record.
func (s *Server) handleAllowedCheckpoints(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	allowed, err := s.recorder.AllowedCheckpoints(c.Request.Context(), task.ID)
	if err != nil {
		s.respondRejection(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"task_id":     task.ID,
		"status":      task.Status(),
		"checkpoints": allowed,
	})
}

// handleListEvents returns the recorded events in the order they were stored.
func (s *Server) handleListEvents(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	events, err := s.tasks.ListEvents(c.Request.Context(), task.ID)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []models.TaskEvent{}
	}
	respondSuccess(c, http.StatusOK, gin.H{"events": events})
}

// loadTask resolves :id and checks the caller may read it.
func (s *Server) loadTask(c *gin.Context) (models.Task, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return models.Task{}, false
	}
	task, err := s.tasks.GetTask(c.Request.Context(), id)
	if errors.Is(err, custody.ErrTaskNotFound) {
		s.respondError(c, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return models.Task{}, false
	}
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return models.Task{}, false
	}
	p := principalFrom(c)
	if task.AssignedCourierID != p.ID && !p.Admin {
		s.respondError(c, http.StatusForbidden, fmt.Errorf("task %s is assigned to another courier", id))
		return models.Task{}, false
	}
	return task, true
}
