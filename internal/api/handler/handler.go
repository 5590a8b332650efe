package handler

import (
	"context"
	"log/slog"

	"github.com/synle/note-synchronizer-sub000/internal/queue"
	"github.com/synle/note-synchronizer-sub000/internal/storage"
)

// DBHealth probes the relational backend. Implemented by
// shared/postgresql.Client.
type DBHealth interface {
	HealthCheck(ctx context.Context) error
}

// CacheHealth probes the set-store backend. Implemented by
// shared/redis.Client.
type CacheHealth interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Router  *queue.Router
	Storage *storage.Storage
	DB      DBHealth
	Cache   CacheHealth
}

// OpsHandler handles the operational HTTP surface: health, queue inspection,
// manual enqueue, and the restart-errors action.
type OpsHandler struct {
	logger  *slog.Logger
	router  *queue.Router
	storage *storage.Storage
	db      DBHealth
	cache   CacheHealth
}

// NewOpsHandler creates a new OpsHandler instance
func NewOpsHandler(deps *Dependencies) *OpsHandler {
	return &OpsHandler{
		logger:  deps.Logger,
		router:  deps.Router,
		storage: deps.Storage,
		db:      deps.DB,
		cache:   deps.Cache,
	}
}
