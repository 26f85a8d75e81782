package ingestion

import (
	"time"

	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/gin-gonic/gin"
)

// Service accepts position reports and stores them as geoPosition documents.
type Service struct {
	store            storage.DocumentStore
	maxBodySizeBytes int
	now              func() time.Time
}

func NewService(store storage.DocumentStore, maxBodySizeMB int) *Service {
	if store == nil {
		panic("ingestion: store must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		store:            store,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/positions", s.IngestHandler)
}
