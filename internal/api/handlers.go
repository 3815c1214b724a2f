package api

import (
	"errors"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yokitheyo/ytscribe/internal/model"
	"github.com/yokitheyo/ytscribe/internal/pipeline"
	"github.com/yokitheyo/ytscribe/internal/service"
	"github.com/yokitheyo/ytscribe/internal/taskmgr"
)

// Registry is the slice of the task registry the handlers use.
type Registry interface {
	Create(url string) (model.Task, error)
	Get(taskID string) (model.Task, error)
	Delete(taskID string)
	FindFile(fileID string) (model.ResultFile, error)
	Stats() taskmgr.Stats
}

type Queue interface {
	Submit(job pipeline.Job) error
	Stats() pipeline.PoolStats
}

type ModelStatus interface {
	Status() string
}

type Subscriber interface {
	Subscribe(topic string) (<-chan []byte, func())
}

// DiskUsage reports free bytes for the filesystem holding path.
type DiskUsage func(path string) (uint64, error)

type Deps struct {
	Registry    Registry
	Queue       Queue
	Model       ModelStatus
	Events      Subscriber
	StorageDir  string
	URLPattern  string
	// SubmitRate of 0 disables the submission limiter.
	SubmitRate  float64
	SubmitBurst int
	DiskFree    DiskUsage
	Logger      *zap.Logger
}

type APIHandler struct {
	deps      Deps
	validate  *validator.Validate
	limiter   *rate.Limiter
	now       func() time.Time
	log       *zap.Logger
	// keepAlive is the SSE heartbeat period.
	keepAlive time.Duration
}

type ConvertRequest struct {
	URL string `json:"url" validate:"required,mediaurl"`
}

func NewAPIHandler(deps Deps) (*APIHandler, error) {
	pattern, err := regexp.Compile(deps.URLPattern)
	if err != nil {
		return nil, err
	}
	v := validator.New()
	if err := v.RegisterValidation("mediaurl", func(fl validator.FieldLevel) bool {
		return pattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &APIHandler{
		deps:      deps,
		validate:  v,
		now:       time.Now,
		log:       deps.Logger.Named("api"),
		keepAlive: 15 * time.Second,
	}
	if deps.SubmitRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(deps.SubmitRate), max(deps.SubmitBurst, 1))
	}
	return h, nil
}

func RegisterHandlers(r *gin.Engine, h *APIHandler) {
	r.POST("/convert", h.convert)
	r.GET("/progress/:taskId", h.progress)
	r.GET("/download/:fileId", h.download)
	r.GET("/download-all/:taskId", h.downloadAll)
	r.GET("/events/:taskId", h.events)
	r.GET("/health", h.health)
	r.GET("/stats", h.stats)
	r.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })
}

func (h *APIHandler) convert(c *gin.Context) {
	var req ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": validationMessage(err)})
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many submissions, try again later"})
		return
	}

	task, err := h.deps.Registry.Create(req.URL)
	if err != nil {
		h.log.Error("create task", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := h.deps.Queue.Submit(pipeline.Job{TaskID: task.ID, URL: task.SourceURL}); err != nil {
		h.deps.Registry.Delete(task.ID)
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		h.log.Warn("submission rejected", zap.String("task_id", task.ID), zap.Error(err))
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	h.log.Info("task accepted", zap.String("task_id", task.ID), zap.String("url", task.SourceURL))
	c.JSON(http.StatusOK, gin.H{"success": true, "taskId": task.ID})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if verrs[0].Tag() == "required" {
			return "URL is required"
		}
		return "invalid YouTube URL"
	}
	return err.Error()
}

func (h *APIHandler) progress(c *gin.Context) {
	task, err := h.deps.Registry.Get(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task.ProgressView())
}

func (h *APIHandler) download(c *gin.Context) {
	file, err := h.deps.Registry.FindFile(c.Param("fileId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if info, err := os.Stat(file.Path); err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(file.Path, file.Name)
}

func (h *APIHandler) downloadAll(c *gin.Context) {
	task, err := h.deps.Registry.Get(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="`+service.ArchiveName(task.ID)+`"`)
	c.Status(http.StatusOK)
	n, err := service.WriteArchive(c.Request.Context(), c.Writer, task.Files)
	if err != nil {
		// headers are gone already, the client sees a truncated body
		h.log.Error("stream archive", zap.String("task_id", task.ID), zap.Error(err))
		_ = c.Error(err)
		return
	}
	h.log.Debug("archive sent", zap.String("task_id", task.ID), zap.Int("entries", n))
}

func (h *APIHandler) health(c *gin.Context) {
	stats := h.deps.Registry.Stats()
	resp := gin.H{
		"status":        "healthy",
		"timestamp":     h.now().Format(time.RFC3339),
		"whisper_model": h.deps.Model.Status(),
		"active_tasks":  stats.Active,
		"total_tasks":   stats.Total,
		"queued_jobs":   h.deps.Queue.Stats().Queued,
	}
	if h.deps.DiskFree != nil {
		if free, err := h.deps.DiskFree(h.deps.StorageDir); err == nil {
			resp["storage_free_bytes"] = free
		} else {
			h.log.Warn("disk usage", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

type statsResponse struct {
	taskmgr.Stats
	ModelStatus string `json:"model_status"`
}

func (h *APIHandler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Stats:       h.deps.Registry.Stats(),
		ModelStatus: h.deps.Model.Status(),
	})
}
