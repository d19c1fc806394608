package taskstore

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

// instrumentingMiddleware wraps Repository and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	svc         Repository
}

// Create ...
func (s *instrumentingMiddleware) Create(ctx context.Context, task *models.Task) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Create",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.Create(ctx, task)
}

// Get ...
func (s *instrumentingMiddleware) Get(ctx context.Context, id string) (task *models.Task, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Get",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.Get(ctx, id)
}

// FindActive ...
func (s *instrumentingMiddleware) FindActive(ctx context.Context, ownerID, kind string) (task *models.Task, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "FindActive",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.FindActive(ctx, ownerID, kind)
}

// Update ...
func (s *instrumentingMiddleware) Update(ctx context.Context, id string, patch TaskPatch) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Update",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.Update(ctx, id, patch)
}

// UpdateStatus ...
func (s *instrumentingMiddleware) UpdateStatus(ctx context.Context, id string, expected, next models.TaskStatus, patch TaskPatch) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "UpdateStatus",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.UpdateStatus(ctx, id, expected, next, patch)
}

// Delete ...
func (s *instrumentingMiddleware) Delete(ctx context.Context, id string) (err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "Delete",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.Delete(ctx, id)
}

// FindStaleRunning ...
func (s *instrumentingMiddleware) FindStaleRunning(ctx context.Context, threshold time.Duration) (tasks []models.Task, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "FindStaleRunning",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.FindStaleRunning(ctx, threshold)
}

// PurgeTerminalOlderThan ...
func (s *instrumentingMiddleware) PurgeTerminalOlderThan(ctx context.Context, retention time.Duration) (count int64, err error) {
	defer func(startTime time.Time) {
		labels := []string{
			"method", "PurgeTerminalOlderThan",
			"error", strconv.FormatBool(err != nil),
		}
		s.reqCount.With(labels...).Add(1)
		s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
	}(time.Now())
	return s.svc.PurgeTerminalOlderThan(ctx, retention)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	svc Repository,
) Repository {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		svc:         svc,
	}
}
