package dto

type EnqueueThreadsRequest struct {
	ThreadIDs []string `json:"thread_ids" binding:"required,min=1"`
}

type EnqueueThreadsResponse struct {
	Enqueued int `json:"enqueued"`
}

type RestartErrorsResponse struct {
	Restarted int `json:"restarted"`
}

type ThreadJobDTO struct {
	ThreadID      string `json:"thread_id"`
	Status        string `json:"status"`
	HistoryID     string `json:"history_id,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
	ProcessedDate string `json:"processed_date,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	TotalMessages int64  `json:"total_messages,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type QueueStatsResponse struct {
	Queues   map[string]int `json:"queues"`
	Statuses map[string]int `json:"statuses"`
}
