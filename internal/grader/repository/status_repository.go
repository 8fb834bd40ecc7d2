package repository

import (
	"context"
	"strconv"
	"time"

	"fuzgrader/internal/common/cache"
	"fuzgrader/internal/grader/autograder"
	appErr "fuzgrader/pkg/errors"
)

const (
	statusKeyPrefix = "grader:status:"
	// DefaultStatusTTL keeps finished statuses around for late readers.
	DefaultStatusTTL = 24 * time.Hour
)

// RedisStatusReporter stores live autograder progress as Redis hashes.
type RedisStatusReporter struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewRedisStatusReporter creates a reporter; a non-positive ttl uses DefaultStatusTTL.
func NewRedisStatusReporter(cacheClient cache.Cache, ttl time.Duration) *RedisStatusReporter {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatusReporter{cache: cacheClient, TTL: ttl}
}

// StatusKey returns the hash key of one autograder within a run.
func StatusKey(runID, name string) string {
	return statusKeyPrefix + runID + ":" + name
}

// ReportStatus implements autograder.StatusReporter.
func (r *RedisStatusReporter) ReportStatus(ctx context.Context, update autograder.StatusUpdate) error {
	if update.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if update.Autograder == "" {
		return appErr.ValidationError("autograder", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	key := StatusKey(update.RunID, update.Autograder)
	fields := map[string]interface{}{
		"runId":      update.RunID,
		"autograder": update.Autograder,
		"phase":      string(update.Phase),
		"totalTests": update.TotalTests,
		"doneTests":  update.DoneTests,
		"score":      strconv.FormatFloat(update.Score, 'f', -1, 64),
		"updatedAt":  update.UpdatedAt,
	}
	err := r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.HMSet(key, fields); err != nil {
			return err
		}
		return pipe.Expire(key, r.TTL)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "store status failed")
	}
	return nil
}

// Get reads back the last status of an autograder.
func (r *RedisStatusReporter) Get(ctx context.Context, runID, name string) (autograder.StatusUpdate, error) {
	if runID == "" || name == "" {
		return autograder.StatusUpdate{}, appErr.ValidationError("run_id", "run id and autograder are required")
	}
	if r.cache == nil {
		return autograder.StatusUpdate{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	fields, err := r.cache.HGetAll(ctx, StatusKey(runID, name))
	if err != nil {
		return autograder.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if len(fields) == 0 {
		return autograder.StatusUpdate{}, appErr.NotFoundError("status of " + name)
	}

	update := autograder.StatusUpdate{
		RunID:      fields["runId"],
		Autograder: fields["autograder"],
		Phase:      autograder.Phase(fields["phase"]),
	}
	if update.TotalTests, err = strconv.Atoi(fields["totalTests"]); err != nil {
		return autograder.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "decode totalTests failed")
	}
	if update.DoneTests, err = strconv.Atoi(fields["doneTests"]); err != nil {
		return autograder.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "decode doneTests failed")
	}
	if update.Score, err = strconv.ParseFloat(fields["score"], 64); err != nil {
		return autograder.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "decode score failed")
	}
	if update.UpdatedAt, err = strconv.ParseInt(fields["updatedAt"], 10, 64); err != nil {
		return autograder.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "decode updatedAt failed")
	}
	return update, nil
}

var _ autograder.StatusReporter = (*RedisStatusReporter)(nil)
