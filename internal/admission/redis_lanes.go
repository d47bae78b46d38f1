package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	laneSetKey    = "admission:lanes"
	laneKeyPrefix = "admission:lane:"
	seenKeyPrefix = "admission:seen:"
)

// enqueueScript appends the id only if absent and returns its 1-based position.
var enqueueScript = redis.NewScript(`
local pos = redis.call('LPOS', KEYS[1], ARGV[1])
if not pos then
	redis.call('RPUSH', KEYS[1], ARGV[1])
	pos = redis.call('LLEN', KEYS[1]) - 1
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
return pos + 1
`)

// statusScript returns the 1-based position, or 0 when the id is unknown.
var statusScript = redis.NewScript(`
local pos = redis.call('LPOS', KEYS[1], ARGV[1])
if not pos then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return pos + 1
`)

// RedisLanes stores lanes in Redis so registrations survive coordinator
// restarts and several coordinator replicas can share them.
type RedisLanes struct {
	client *redis.Client
	caps   Capacities
	now    func() time.Time
}

func NewRedisLanes(client *redis.Client, caps Capacities) *RedisLanes {
	return &RedisLanes{client: client, caps: caps, now: time.Now}
}

func laneKey(lane string) string { return laneKeyPrefix + lane }
func seenKey(lane string) string { return seenKeyPrefix + lane }

func (r *RedisLanes) stamp() string {
	return strconv.FormatInt(r.now().UnixMilli(), 10)
}

func (r *RedisLanes) Enqueue(ctx context.Context, lane, requestID string) (int, error) {
	pos, err := enqueueScript.Run(ctx, r.client,
		[]string{laneKey(lane), seenKey(lane), laneSetKey},
		requestID, r.stamp(), lane,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s in %s: %w", requestID, lane, err)
	}
	return pos, nil
}

func (r *RedisLanes) Status(ctx context.Context, lane, requestID string) (StatusResponse, error) {
	pos, err := statusScript.Run(ctx, r.client,
		[]string{laneKey(lane), seenKey(lane)},
		requestID, r.stamp(),
	).Int()
	if err != nil {
		return StatusResponse{}, fmt.Errorf("failed to read status of %s: %w", requestID, err)
	}
	if pos == 0 {
		return StatusResponse{}, ErrNotRegistered
	}
	return statusFor(pos, r.caps.For(lane)), nil
}

func (r *RedisLanes) Confirm(ctx context.Context, lane, requestID string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, laneKey(lane), 0, requestID)
	pipe.HDel(ctx, seenKey(lane), requestID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to confirm %s: %w", requestID, err)
	}
	return nil
}

func (r *RedisLanes) Reap(ctx context.Context, policy ReapPolicy) (int, error) {
	lanes, err := r.client.SMembers(ctx, laneSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list lanes: %w", err)
	}

	now := r.now()
	reaped := 0
	for _, lane := range lanes {
		order, err := r.client.LRange(ctx, laneKey(lane), 0, -1).Result()
		if err != nil {
			return reaped, fmt.Errorf("failed to read lane %s: %w", lane, err)
		}
		seen, err := r.client.HGetAll(ctx, seenKey(lane)).Result()
		if err != nil {
			return reaped, fmt.Errorf("failed to read lane %s: %w", lane, err)
		}

		capacity := r.caps.For(lane)
		for i, id := range order {
			limit := policy.StaleAfter
			if i < capacity {
				limit = policy.HoldLimit
			}
			if limit <= 0 {
				continue
			}
			ms, err := strconv.ParseInt(seen[id], 10, 64)
			if err == nil && now.Sub(time.UnixMilli(ms)) <= limit {
				continue
			}
			if err := r.Confirm(ctx, lane, id); err != nil {
				return reaped, err
			}
			reaped++
		}
	}
	return reaped, nil
}
