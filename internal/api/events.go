package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yokitheyo/ytscribe/internal/model"
)

const progressEvent = "progress"

// events streams progress snapshots for one task as server-sent events until
// the task completes or the client goes away. A snapshot is also sent on every
// keep-alive tick so a dropped event never leaves the client stale.
func (h *APIHandler) events(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := h.deps.Registry.Get(taskID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	var (
		updates <-chan []byte
		cancel  = func() {}
	)
	if h.deps.Events != nil {
		updates, cancel = h.deps.Events.Subscribe(taskID)
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// read after subscribing so nothing between the two is missed
	task, err := h.deps.Registry.Get(taskID)
	if err != nil {
		return
	}
	if !h.send(c, task.ProgressView()) || task.Completed || updates == nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			var view model.Progress
			if err := json.Unmarshal(msg, &view); err != nil {
				h.log.Warn("bad progress event", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			if !h.send(c, view) || view.Completed {
				return
			}
		case <-ticker.C:
			task, err := h.deps.Registry.Get(taskID)
			if err != nil {
				return
			}
			if !h.send(c, task.ProgressView()) || task.Completed {
				return
			}
		}
	}
}

func (h *APIHandler) send(c *gin.Context, view model.Progress) bool {
	c.SSEvent(progressEvent, view)
	c.Writer.Flush()
	return c.Request.Context().Err() == nil
}
