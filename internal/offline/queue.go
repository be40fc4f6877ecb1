// Package offline holds writes that could not reach the survey service and
// replays them in order once connectivity returns.
package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/surveysync/internal/connectivity"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/storage"
	"github.com/pitabwire/surveysync/model"
)

// Sender delivers one queued write to the survey service.
type Sender interface {
	Send(ctx context.Context, w model.QueuedWrite) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, w model.QueuedWrite) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, w model.QueuedWrite) error { return f(ctx, w) }

// BatchSender is a Sender that can also deliver several drafts in one call.
type BatchSender interface {
	Sender
	SendBatch(ctx context.Context, ws []model.QueuedWrite) error
}

// Report summarizes one replay pass.
type Report struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Queue is the durable offline write queue. It is safe for concurrent use.
type Queue struct {
	store   storage.QueueStore
	limiter *rate.Limiter
	replay  sync.Mutex
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithRate paces replay sends to rps with the given burst. A non-positive
// rps disables pacing.
func WithRate(rps float64, burst int) Option {
	return func(q *Queue) {
		if rps <= 0 {
			q.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics attaches the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue over store.
func New(store storage.QueueStore, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores w at the tail, replacing any pending write for the same
// client and survey type.
func (q *Queue) Enqueue(ctx context.Context, w model.QueuedWrite) error {
	stored, err := q.store.Put(ctx, w)
	if err != nil {
		return fmt.Errorf("offline: enqueue: %w", err)
	}
	q.metrics.RecordEnqueue()
	q.refreshDepth(ctx)
	q.logger.Debug("write queued",
		zap.String("queue_key", stored.QueueKey()),
		zap.Int64("seq", stored.Seq),
	)
	return nil
}

// Depth returns the number of queued writes.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.store.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("offline: depth: %w", err)
	}
	return n, nil
}

// Pending returns the queued writes in replay order.
func (q *Queue) Pending(ctx context.Context) ([]model.QueuedWrite, error) {
	list, err := q.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline: list: %w", err)
	}
	return list, nil
}

// ReplayAll sends every queued write in order and removes each one that
// succeeds. Failed writes stay queued. Concurrent calls run one at a time.
func (q *Queue) ReplayAll(ctx context.Context, sender Sender) (Report, error) {
	return q.replayWith(ctx, "offline.replay", func(ctx context.Context, entries []model.QueuedWrite, report *Report) error {
		return q.replayEach(ctx, entries, sender, report)
	})
}

// ReplayBatch sends every queued draft in one batch call, then replays
// completed submissions one by one so their completion is recorded. When
// the service rejects the batch for any reason other than being offline,
// the drafts are replayed one by one as ReplayAll would.
func (q *Queue) ReplayBatch(ctx context.Context, sender BatchSender) (Report, error) {
	return q.replayWith(ctx, "offline.replay_batch", func(ctx context.Context, entries []model.QueuedWrite, report *Report) error {
		var drafts, submits []model.QueuedWrite
		for _, w := range entries {
			if w.Payload.Completed {
				submits = append(submits, w)
				continue
			}
			drafts = append(drafts, w)
		}
		if len(drafts) == 0 {
			return q.replayEach(ctx, submits, sender, report)
		}

		if err := q.limiter.Wait(ctx); err != nil {
			return model.NewAbortedError()
		}
		sendErr := sender.SendBatch(ctx, drafts)
		switch {
		case model.IsAborted(sendErr):
			return sendErr
		case sendErr == nil:
			for _, w := range drafts {
				if err := q.removeSent(ctx, w, report); err != nil {
					return err
				}
			}
			return q.replayEach(ctx, submits, sender, report)
		case isOffline(sendErr):
			for range drafts {
				report.Failed++
				q.metrics.RecordReplay("failed")
			}
			q.logger.Warn("batch replay failed",
				zap.Int("count", len(drafts)),
				zap.String("code", model.CodeOf(sendErr)),
				zap.Error(sendErr),
			)
			return nil
		default:
			q.logger.Warn("batch rejected, replaying writes one by one",
				zap.Int("count", len(drafts)),
				zap.String("code", model.CodeOf(sendErr)),
				zap.Error(sendErr),
			)
			return q.replayEach(ctx, entries, sender, report)
		}
	})
}

type replayFunc func(ctx context.Context, entries []model.QueuedWrite, report *Report) error

func (q *Queue) replayWith(ctx context.Context, spanName string, replay replayFunc) (Report, error) {
	q.replay.Lock()
	defer q.replay.Unlock()

	ctx, span := observability.StartSyncSpan(ctx, spanName)
	var report Report
	var err error
	defer func() {
		span.SetAttributes(observability.AttrQueueDepth.Int(report.Remaining))
		observability.FinishSpan(span, err)
	}()

	entries, err := q.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("offline: replay: %w", err)
	}
	if len(entries) == 0 {
		return report, nil
	}
	q.logger.Info("replaying offline writes", zap.Int("count", len(entries)))

	err = replay(ctx, entries, &report)

	report.Remaining = q.refreshDepth(context.WithoutCancel(ctx))
	q.logger.Info("offline replay finished",
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("remaining", report.Remaining),
	)
	return report, err
}

// replayEach sends entries in order. It stops at the first offline failure.
func (q *Queue) replayEach(ctx context.Context, entries []model.QueuedWrite, sender Sender, report *Report) error {
	for _, w := range entries {
		if err := q.limiter.Wait(ctx); err != nil {
			return model.NewAbortedError()
		}
		sendErr := sender.Send(ctx, w)
		if model.IsAborted(sendErr) {
			return sendErr
		}
		if sendErr != nil {
			report.Failed++
			q.metrics.RecordReplay("failed")
			q.logger.Warn("queued write replay failed",
				zap.String("queue_key", w.QueueKey()),
				zap.Int64("seq", w.Seq),
				zap.String("code", model.CodeOf(sendErr)),
				zap.Error(sendErr),
			)
			if isOffline(sendErr) {
				return nil
			}
			continue
		}
		if err := q.removeSent(ctx, w, report); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) removeSent(ctx context.Context, w model.QueuedWrite, report *Report) error {
	removed, err := q.store.Remove(ctx, w.QueueKey(), w.Seq)
	if err != nil {
		return fmt.Errorf("offline: replay: %w", err)
	}
	report.Processed++
	q.metrics.RecordReplay("ok")
	if !removed {
		q.logger.Debug("queued write replaced during replay",
			zap.String("queue_key", w.QueueKey()),
		)
	}
	return nil
}

// Watch replays the queue on every offline to online transition of obs.
// The returned func stops watching.
func (q *Queue) Watch(ctx context.Context, obs connectivity.Observer, sender Sender) (stop func()) {
	var wg sync.WaitGroup
	unsubscribe := obs.Subscribe(func(online bool) {
		if !online || ctx.Err() != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.ReplayAll(ctx, sender); err != nil && !model.IsAborted(err) {
				q.logger.Error("replay on reconnect failed", zap.Error(err))
			}
		}()
	})
	return func() {
		unsubscribe()
		wg.Wait()
	}
}

// Run replays the queue every interval while obs reports online, until ctx
// is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration, obs connectivity.Observer, sender Sender) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if obs != nil && !obs.Online() {
				continue
			}
			if _, err := q.ReplayAll(ctx, sender); err != nil && !model.IsAborted(err) {
				q.logger.Error("periodic replay failed", zap.Error(err))
			}
		}
	}
}

// refreshDepth updates the depth gauge and returns the depth.
func (q *Queue) refreshDepth(ctx context.Context) int {
	n, err := q.store.Len(ctx)
	if err != nil {
		q.logger.Warn("failed to read queue depth", zap.Error(err))
		return 0
	}
	q.metrics.SetQueueDepth(n)
	return n
}

func isOffline(err error) bool {
	switch model.CodeOf(err) {
	case model.ErrConnectivity, model.ErrQueuedOffline, model.ErrBackendUnavailable:
		return true
	}
	return false
}
