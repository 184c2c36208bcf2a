package checkpoint

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/cache"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/resilience"
)

// Durable is the slice of the task store the tracker writes through to.
type Durable interface {
	AddCheckpoint(ctx context.Context, requestID, name string, at time.Time) (bool, error)
	ResetCheckpoints(ctx context.Context, requestID string) error
	CompleteTask(ctx context.Context, requestID string, status model.Status, result []byte, errMsg string, at time.Time) error
}

// markScript adds a checkpoint to the completed set, bumps the counter only
// when the name is new and moves the status projection forward. The
// projection never moves backwards.
//
// KEYS: set, counter, status hash
// ARGV: name, total, checkpoint ttl, status ttl, now, request id
var markScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
local count
if added == 1 then
  count = redis.call('INCR', KEYS[2])
else
  count = tonumber(redis.call('GET', KEYS[2]) or '0')
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])

local total = tonumber(ARGV[2])
local prior = tonumber(redis.call('HGET', KEYS[3], 'completed_checkpoints') or '0')
if count > prior then
  local step = 'processing'
  if count >= total then
    step = 'finalized'
  end
  redis.call('HSET', KEYS[3],
    'request_id', ARGV[6],
    'completed_checkpoints', count,
    'progress', math.floor(100 * count / total),
    'current_step', step,
    'last_updated', ARGV[5])
  redis.call('HSETNX', KEYS[3], 'status', 'processing')
  redis.call('EXPIRE', KEYS[3], ARGV[4])
end
return {added, count}
`)

// Tracker records checkpoint completion in the cache and the durable store
// and maintains the cached status projection.
type Tracker struct {
	cache   *cache.Cache
	durable Durable
	policy  resilience.Policy

	statusTTL     time.Duration
	resultTTL     time.Duration
	checkpointTTL time.Duration

	now func() time.Time
}

// NewTracker builds a Tracker from tracker settings.
func NewTracker(c *cache.Cache, d Durable, cfg config.TrackerConfig) *Tracker {
	p := resilience.PersistencePolicy(cfg)
	return &Tracker{
		cache:         c,
		durable:       d,
		policy:        p,
		statusTTL:     secondsOr(cfg.StatusTTLSecs, 300),
		resultTTL:     secondsOr(cfg.ResultTTLSecs, 3600),
		checkpointTTL: secondsOr(cfg.CheckpointTTLSecs, 3600),
		now:           time.Now,
	}
}

func secondsOr(secs, fallback int) time.Duration {
	if secs <= 0 {
		secs = fallback
	}
	return time.Duration(secs) * time.Second
}

// Initialize clears any earlier checkpoint state for requestID and writes a
// zero-progress projection.
func (t *Tracker) Initialize(ctx context.Context, requestID string) error {
	log := zap.L().With(zap.String("request_id", requestID))

	err := resilience.Retry(ctx, t.retryPolicy("initialize"), func(ctx context.Context) error {
		if err := t.cache.Delete(ctx,
			cache.CheckpointsKey(requestID),
			cache.CheckpointCountKey(requestID),
			cache.StatusKey(requestID),
			cache.ResultKey(requestID),
		); err != nil {
			return err
		}
		return t.cache.HSet(ctx, cache.StatusKey(requestID), map[string]any{
			"request_id":            requestID,
			"status":                string(model.StatusProcessing),
			"current_step":          model.ProjectionInitializing,
			"progress":              0,
			"completed_checkpoints": 0,
			"last_updated":          t.now().UTC().Format(time.RFC3339Nano),
		}, t.statusTTL)
	})
	if err != nil {
		return eris.Wrapf(err, "checkpoint: initialize %s", requestID)
	}

	err = resilience.Retry(ctx, t.retryPolicy("reset durable"), func(ctx context.Context) error {
		return t.durable.ResetCheckpoints(ctx, requestID)
	})
	if err != nil {
		return eris.Wrapf(err, "checkpoint: reset durable checkpoints %s", requestID)
	}

	log.Info("checkpoint: tracking initialized")
	return nil
}

// Mark is the outcome of completing a checkpoint.
type Mark struct {
	Added    bool
	Count    int
	Progress int
}

// Complete records name as done for requestID. Unknown names return
// ErrUnknownCheckpoint and change nothing. Repeats are accepted but not
// counted again.
func (t *Tracker) Complete(ctx context.Context, requestID, name string) (Mark, error) {
	log := zap.L().With(zap.String("request_id", requestID), zap.String("checkpoint", name))

	if !Known(name) {
		log.Warn("checkpoint: unknown checkpoint")
		return Mark{}, eris.Wrapf(ErrUnknownCheckpoint, "checkpoint: %q", name)
	}

	now := t.now().UTC()
	keys := []string{
		cache.CheckpointsKey(requestID),
		cache.CheckpointCountKey(requestID),
		cache.StatusKey(requestID),
	}

	mark, err := resilience.RetryValue(ctx, t.retryPolicy("mark"), func(ctx context.Context) (Mark, error) {
		v, err := t.cache.Run(ctx, markScript, keys,
			name,
			Total,
			int(t.checkpointTTL/time.Second),
			int(t.statusTTL/time.Second),
			now.Format(time.RFC3339Nano),
			requestID,
		)
		if err != nil {
			return Mark{}, err
		}
		return parseMark(v)
	})
	if err != nil {
		return Mark{}, eris.Wrapf(err, "checkpoint: mark %s", name)
	}

	err = resilience.Retry(ctx, t.retryPolicy("persist"), func(ctx context.Context) error {
		_, err := t.durable.AddCheckpoint(ctx, requestID, name, now)
		return err
	})
	if err != nil {
		log.Error("checkpoint: durable write failed",
			zap.Bool("fatal", true),
			zap.String("failure_class", "persistence"),
			zap.Error(err),
		)
		return mark, eris.Wrapf(err, "checkpoint: persist %s", name)
	}

	log.Info("checkpoint: completed",
		zap.Int("completed", mark.Count),
		zap.Int("total", Total),
		zap.Bool("new", mark.Added),
	)
	return mark, nil
}

func parseMark(v any) (Mark, error) {
	vals, ok := v.([]any)
	if !ok || len(vals) != 2 {
		return Mark{}, eris.Errorf("checkpoint: unexpected script reply %v", v)
	}
	added, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return Mark{Added: added == 1, Count: int(count), Progress: Progress(int(count))}, nil
}

// Status returns the cached projection, or nil when it is absent or
// expired.
func (t *Tracker) Status(ctx context.Context, requestID string) (*model.StatusProjection, error) {
	fields, err := t.cache.HGetAll(ctx, cache.StatusKey(requestID))
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: status %s", requestID)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return projectionFromHash(requestID, fields), nil
}

func projectionFromHash(requestID string, f map[string]string) *model.StatusProjection {
	p := &model.StatusProjection{
		RequestID:   requestID,
		Status:      model.Status(f["status"]),
		CurrentStep: f["current_step"],
		Error:       f["error"],
	}
	p.Progress, _ = strconv.Atoi(f["progress"])
	p.CompletedCheckpoints, _ = strconv.Atoi(f["completed_checkpoints"])
	if ts, err := time.Parse(time.RFC3339Nano, f["last_updated"]); err == nil {
		p.LastUpdated = ts
	}
	return p
}

// Prime writes a projection rebuilt from the durable store so later polls
// are served from the cache again.
func (t *Tracker) Prime(ctx context.Context, p model.StatusProjection) error {
	return eris.Wrapf(t.cache.HSet(ctx, cache.StatusKey(p.RequestID), map[string]any{
		"request_id":            p.RequestID,
		"status":                string(p.Status),
		"current_step":          p.CurrentStep,
		"progress":              p.Progress,
		"completed_checkpoints": p.CompletedCheckpoints,
		"error":                 p.Error,
		"last_updated":          p.LastUpdated.UTC().Format(time.RFC3339Nano),
	}, t.statusTTL), "checkpoint: prime %s", p.RequestID)
}

// Completed lists the checkpoint names recorded in the cache.
func (t *Tracker) Completed(ctx context.Context, requestID string) ([]string, error) {
	names, err := t.cache.SMembers(ctx, cache.CheckpointsKey(requestID))
	return names, eris.Wrapf(err, "checkpoint: completed %s", requestID)
}

// Result returns the cached result payload.
func (t *Tracker) Result(ctx context.Context, requestID string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	found, err := t.cache.GetJSON(ctx, cache.ResultKey(requestID), &raw)
	if err != nil {
		return nil, false, eris.Wrapf(err, "checkpoint: result %s", requestID)
	}
	return raw, found, nil
}

// CompleteTaskAtomic writes the terminal status and result to both the
// cache and the durable store. It succeeds only when both writes land;
// callers must treat an error as fatal to the run.
func (t *Tracker) CompleteTaskAtomic(ctx context.Context, requestID string, status model.Status, result any, errMsg string) error {
	log := zap.L().With(zap.String("request_id", requestID), zap.String("status", string(status)))
	now := t.now().UTC()

	var payload []byte
	if result != nil {
		var err error
		if payload, err = json.Marshal(result); err != nil {
			return eris.Wrapf(err, "checkpoint: encode result %s", requestID)
		}
	}

	fields := map[string]any{
		"request_id":   requestID,
		"status":       string(status),
		"current_step": model.ProjectionFinalized,
		"error":        errMsg,
		"last_updated": now.Format(time.RFC3339Nano),
	}
	if status == model.StatusCompleted {
		fields["progress"] = 100
	}

	cacheErr := resilience.Retry(ctx, t.retryPolicy("complete cache"), func(ctx context.Context) error {
		if err := t.cache.HSet(ctx, cache.StatusKey(requestID), fields, t.statusTTL); err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		return t.cache.SetJSON(ctx, cache.ResultKey(requestID), json.RawMessage(payload), t.resultTTL)
	})
	durableErr := resilience.Retry(ctx, t.retryPolicy("complete durable"), func(ctx context.Context) error {
		return t.durable.CompleteTask(ctx, requestID, status, payload, errMsg, now)
	})

	switch {
	case cacheErr != nil && durableErr != nil:
		err := eris.Wrapf(durableErr, "checkpoint: complete %s (cache also failed: %v)", requestID, cacheErr)
		logFatal(log, err)
		return err
	case cacheErr != nil:
		err := eris.Wrapf(cacheErr, "checkpoint: complete %s in cache", requestID)
		logFatal(log, err)
		return err
	case durableErr != nil:
		err := eris.Wrapf(durableErr, "checkpoint: complete %s in store", requestID)
		logFatal(log, err)
		return err
	}

	log.Info("checkpoint: task completed")
	return nil
}

func logFatal(log *zap.Logger, err error) {
	log.Error("checkpoint: terminal write failed",
		zap.Bool("fatal", true),
		zap.String("failure_class", "persistence"),
		zap.Error(err),
	)
}

// RequestAbort raises the abort flag for requestID.
func (t *Tracker) RequestAbort(ctx context.Context, requestID string) error {
	return eris.Wrapf(t.cache.SetFlag(ctx, cache.AbortKey(requestID), t.resultTTL), "checkpoint: abort %s", requestID)
}

// AbortRequested reports whether the abort flag is set.
func (t *Tracker) AbortRequested(ctx context.Context, requestID string) (bool, error) {
	ok, err := t.cache.Exists(ctx, cache.AbortKey(requestID))
	return ok, eris.Wrapf(err, "checkpoint: abort flag %s", requestID)
}

func (t *Tracker) retryPolicy(op string) resilience.Policy {
	p := t.policy
	p.OnRetry = resilience.LogRetry("checkpoint", op)
	return p
}
