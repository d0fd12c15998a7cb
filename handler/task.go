package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/csiiiv/philgeps-awards-dashboard/service"
)

// TaskHandler serves the background task control plane.
type TaskHandler struct {
	orchestrator *service.Orchestrator
}

func NewTaskHandler(orchestrator *service.Orchestrator) *TaskHandler {
	return &TaskHandler{orchestrator: orchestrator}
}

type submitRequest struct {
	Kind   string             `json:"kind"`
	Params service.TaskParams `json:"params"`
}

// Submit schedules a background task, or answers from the result cache when
// an identical submission already finished.
func (h *TaskHandler) Submit(c *gin.Context) {
	var req submitRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.orchestrator.Submit(req.Kind, req.Params)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if res.Status == "cached" {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// Status returns the current record of one task.
func (h *TaskHandler) Status(c *gin.Context) {
	rec, ok := h.orchestrator.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"message": "task not found"},
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// List returns all known tasks, newest first.
func (h *TaskHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.orchestrator.List()})
}

// Cancel marks a task for termination.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !h.orchestrator.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"message": "task not found"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": id})
}

// Events streams task lifecycle events over server-sent events. With a
// task_id query parameter only that task's topic is followed; otherwise the
// global topic carries every task's transitions.
func (h *TaskHandler) Events(c *gin.Context) {
	topic := service.TopicAllTasks
	if taskID := c.Query("task_id"); taskID != "" {
		topic = service.TaskTopic(taskID)
	}
	events, cancel := h.orchestrator.Broker().Subscribe(topic)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("task", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Result looks up a terminal task result by its cache key.
func (h *TaskHandler) Result(c *gin.Context) {
	env, ok := h.orchestrator.CachedResult(c.Param("cacheKey"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, env)
}
