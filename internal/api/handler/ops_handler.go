package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/synle/note-synchronizer-sub000/internal/api/dto"
	"github.com/synle/note-synchronizer-sub000/internal/domain"
	"github.com/synle/note-synchronizer-sub000/internal/jobstatus"
	"github.com/synle/note-synchronizer-sub000/internal/queue"
)

// statQueues are the queues surfaced by the stats endpoint. The all-known
// set is included so its size can be checked against the total job count.
var statQueues = []jobstatus.Queue{
	jobstatus.QueueAllKnown,
	jobstatus.QueuePendingCrawl,
	jobstatus.QueuePendingParse,
	jobstatus.QueueInProgress,
	jobstatus.QueueReadyToSync,
	jobstatus.QueueSuccess,
	jobstatus.QueueErrorGeneric,
	jobstatus.QueueErrorCrawl,
	jobstatus.QueueErrorTimeout,
	jobstatus.QueueNotFound,
}

// Health reports daemon liveness plus backend reachability.
func (h *OpsHandler) Health(c *gin.Context) {
	checks := gin.H{"database": "ok", "set_store": "ok"}
	healthy := true

	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(c.Request.Context()); err != nil {
			checks["set_store"] = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "note-synchronizer",
		"checks":  checks,
	})
}

// GetQueueStats returns membership counts per queue and job counts per
// status. Divergence between the two views points at a corrupted queue.
func (h *OpsHandler) GetQueueStats(c *gin.Context) {
	resp := dto.QueueStatsResponse{
		Queues:   make(map[string]int, len(statQueues)),
		Statuses: make(map[string]int),
	}

	for _, q := range statQueues {
		ids, err := h.router.AllKnownIDs(c.Request.Context(), q)
		if err != nil {
			h.logger.Error("Failed to read queue membership",
				slog.String("queue", q.String()),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "set-store unavailable"})
			return
		}
		resp.Queues[q.String()] = len(ids)
	}

	counts, err := h.storage.CountThreadJobsByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count thread jobs",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count thread jobs"})
		return
	}
	for status, count := range counts {
		resp.Statuses[status.String()] = count
	}

	c.JSON(http.StatusOK, resp)
}

// GetThreadJob returns one thread job by id.
func (h *OpsHandler) GetThreadJob(c *gin.Context) {
	threadID := c.Param("thread_id")

	job, err := h.storage.GetThreadJob(c.Request.Context(), threadID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread job not found"})
			return
		}
		h.logger.Error("Failed to get thread job",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get thread job"})
		return
	}

	out := dto.ThreadJobDTO{
		ThreadID:  job.ThreadID,
		Status:    job.Status.String(),
		HistoryID: job.HistoryID,
		Snippet:   job.Snippet,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ProcessedDate.Valid {
		out.ProcessedDate = job.ProcessedDate.Time.Format(time.RFC3339)
	}
	if job.DurationMs.Valid {
		out.DurationMs = job.DurationMs.Int64
	}
	if job.TotalMessages.Valid {
		out.TotalMessages = job.TotalMessages.Int64
	}

	c.JSON(http.StatusOK, out)
}

// EnqueueThreads adds thread ids to the crawl queue. Re-enqueueing known ids
// is safe; set membership deduplicates.
func (h *OpsHandler) EnqueueThreads(c *gin.Context) {
	var req dto.EnqueueThreadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, id := range req.ThreadIDs {
		if err := h.router.ApplyStatus(c.Request.Context(), id, jobstatus.StatusPendingCrawl, queue.StatusExtra{}); err != nil {
			h.logger.Error("Failed to enqueue thread",
				slog.String("thread_id", id),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue threads"})
			return
		}
	}

	h.logger.Info("Manually enqueued threads",
		slog.Int("count", len(req.ThreadIDs)),
	)

	c.JSON(http.StatusAccepted, dto.EnqueueThreadsResponse{Enqueued: len(req.ThreadIDs)})
}

// RestartErrors re-queues every errored job, rebuilding queue membership
// from persisted status.
func (h *OpsHandler) RestartErrors(c *gin.Context) {
	restarted, err := h.router.RestartErrors(c.Request.Context())
	if err != nil {
		h.logger.Error("Restart-errors action failed",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restart failed"})
		return
	}

	c.JSON(http.StatusOK, dto.RestartErrorsResponse{Restarted: restarted})
}
