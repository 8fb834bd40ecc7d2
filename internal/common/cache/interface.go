package cache

import (
	"context"
	"time"
)

// Cache is the key-value store used for live grading status.
type Cache interface {
	HashOps
	PipelineOps

	// Close closes the cache connection
	Close() error
}

// HashOps defines hash (map) operations
type HashOps interface {
	// HMSet sets multiple fields of the hash stored at key
	HMSet(ctx context.Context, key string, fields map[string]interface{}) error

	// HGetAll returns all fields and values of the hash stored at key
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	// Pipeline queues the commands issued by fn and executes them together
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner defines the interface for pipeline operations
type Pipeliner interface {
	HMSet(key string, fields map[string]interface{}) error
	Expire(key string, ttl time.Duration) error
}
