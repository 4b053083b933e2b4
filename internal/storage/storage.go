package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
)

// Document keys shared by the components
const (
	KeyPostedArtifacts = "posted_videos"
	KeyStrategy        = "state"
	KeyActivity        = "activity"
	KeyRedirects       = "redirects"
	KeyClicks          = "clicks"
)

// ErrNotFound is returned by Get when no document exists for the key
var ErrNotFound = errors.New("document not found")

// Storage is a key-value store of serialized documents. Implementations must
// be safe for concurrent use; callers that read-modify-write a document are
// responsible for serializing those sequences.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(cfg.DataDir)
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "redis":
		return NewRedisStorage(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
