package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"judgecore/internal/judge/model"
	"judgecore/internal/judge/service"
	"judgecore/pkg/utils/contextkey"
	"judgecore/pkg/utils/logger"
	"judgecore/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultWatchInterval = time.Second

// JudgeService is the part of service.Service the HTTP surface needs.
type JudgeService interface {
	CreateJudgeProcess(ctx context.Context, submissionID string) (string, error)
	Rejudge(ctx context.Context, submissionID string) (string, error)
	Cancel(ctx context.Context, processID, reason string) error
	GetProcessStatus(ctx context.Context, processID string) (*model.StatusView, error)
	GetQueueStats(ctx context.Context) (service.QueueStats, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the controller.
type Config struct {
	// WatchInterval is how often the watch stream re-reads status.
	WatchInterval time.Duration
	// Ready reports whether the node accepts work; nil means always.
	Ready func() bool
}

// JudgeController handles judge process requests.
type JudgeController struct {
	svc           JudgeService
	watchInterval time.Duration
	ready         func() bool
}

// NewJudgeController creates a new controller.
func NewJudgeController(svc JudgeService, cfg Config) *JudgeController {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	return &JudgeController{svc: svc, watchInterval: cfg.WatchInterval, ready: cfg.Ready}
}

// CreateProcessRequest starts judging a submission.
type CreateProcessRequest struct {
	SubmissionID string `json:"submission_id" binding:"required"`
}

// ProcessResponse carries the id of a created process.
type ProcessResponse struct {
	ProcessID string `json:"process_id"`
}

// CancelRequest carries an optional cancel reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// PurgeResponse reports how many processes were deleted.
type PurgeResponse struct {
	Deleted int64 `json:"deleted"`
}

// CreateProcess queues a judge process for a submission.
func (h *JudgeController) CreateProcess(c *gin.Context) {
	var req CreateProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SubmissionID) == "" {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	processID, err := h.svc.CreateJudgeProcess(c.Request.Context(), strings.TrimSpace(req.SubmissionID))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, ProcessResponse{ProcessID: processID})
}

// GetStatus returns status for one process.
func (h *JudgeController) GetStatus(c *gin.Context) {
	processID := c.Param("id")
	if processID == "" {
		response.BadRequest(c, "Invalid process id")
		return
	}
	view, err := h.svc.GetProcessStatus(c.Request.Context(), processID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Rejudge supersedes the submission's current process.
func (h *JudgeController) Rejudge(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	processID, err := h.svc.Rejudge(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.Info(c.Request.Context(), "rejudge requested",
		zap.String("submission_id", submissionID),
		zap.String("process_id", processID),
		zap.String("operator", operator(c)),
	)
	response.Accepted(c, ProcessResponse{ProcessID: processID})
}

// Cancel requests cancellation of a process.
func (h *JudgeController) Cancel(c *gin.Context) {
	processID := c.Param("id")
	if processID == "" {
		response.BadRequest(c, "Invalid process id")
		return
	}
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), processID, strings.TrimSpace(req.Reason)); err != nil {
		response.Error(c, err)
		return
	}
	logger.Info(c.Request.Context(), "cancel requested",
		zap.String("process_id", processID),
		zap.String("operator", operator(c)),
	)
	response.Accepted(c, ProcessResponse{ProcessID: processID})
}

// QueueStats returns queue depth and process counts.
func (h *JudgeController) QueueStats(c *gin.Context) {
	stats, err := h.svc.GetQueueStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

// Purge deletes finished processes older than the before query parameter.
func (h *JudgeController) Purge(c *gin.Context) {
	raw := c.Query("before")
	if raw == "" {
		response.BadRequest(c, "before is required")
		return
	}
	cutoff, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.BadRequest(c, "before must be RFC3339")
		return
	}
	n, err := h.svc.Purge(c.Request.Context(), cutoff)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, PurgeResponse{Deleted: n})
}

// Health reports 200 while the node accepts work and 503 while draining.
func (h *JudgeController) Health(c *gin.Context) {
	if !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func operator(c *gin.Context) string {
	if v, ok := c.Request.Context().Value(contextkey.UserID).(string); ok {
		return v
	}
	return ""
}
