package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript claims every due row not already held by ARGV[2] in one
// server-side step. KEYS[1] is the fire_at index, ARGV[1] the cutoff score
// and ARGV[3] the job hash key prefix.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local claimed = {}
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	if redis.call('HGET', key, 'claimant') ~= ARGV[2] then
		redis.call('HSET', key, 'claimant', ARGV[2])
		local row = redis.call('HMGET', key, 'schedule', 'function_id', 'data', 'fire_at')
		table.insert(claimed, {id, row[1], row[2], row[3], row[4]})
	end
end
return claimed
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if ARGV[1] ~= '' and redis.call('HGET', KEYS[1], 'claimant') ~= ARGV[1] then
	return 0
end
redis.call('HDEL', KEYS[1], 'claimant')
return 1
`)

// RedisJobRepository keeps each job instance in a hash and indexes fire
// times in a sorted set scored by unix microseconds. The caller owns the client.
type RedisJobRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisJobRepository(client *redis.Client, prefix string) *RedisJobRepository {
	if prefix == "" {
		prefix = "cronjobs"
	}
	return &RedisJobRepository{client: client, prefix: prefix}
}

func (r *RedisJobRepository) seqKey() string { return r.prefix + ":seq" }

func (r *RedisJobRepository) dueKey() string { return r.prefix + ":fire_at" }

func (r *RedisJobRepository) jobKeyPrefix() string { return r.prefix + ":job:" }

func (r *RedisJobRepository) jobKey(id int64) string {
	return r.jobKeyPrefix() + strconv.FormatInt(id, 10)
}

func fireAtScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// EnsureSchema only checks connectivity; keys are created on first write.
func (r *RedisJobRepository) EnsureSchema(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (r *RedisJobRepository) Insert(ctx context.Context, instance NewJobInstance) (int64, error) {
	id, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate job id: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueInsert(ctx, pipe, id, instance)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert job instance: %w", err)
	}
	return id, nil
}

func (r *RedisJobRepository) queueInsert(ctx context.Context, pipe redis.Pipeliner, id int64, instance NewJobInstance) {
	fireAt := instance.FireAt.UTC()
	pipe.HSet(ctx, r.jobKey(id), map[string]any{
		"schedule":    instance.Schedule,
		"function_id": instance.FunctionID,
		"data":        string(instance.Data),
		"fire_at":     fireAt.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, r.dueKey(), redis.Z{
		Score:  fireAtScore(fireAt),
		Member: strconv.FormatInt(id, 10),
	})
}

func (r *RedisJobRepository) ClaimDue(ctx context.Context, now time.Time, claimant string) ([]JobInstance, error) {
	cutoff := strconv.FormatFloat(fireAtScore(now), 'f', -1, 64)
	res, err := claimScript.Run(ctx, r.client, []string{r.dueKey()}, cutoff, claimant, r.jobKeyPrefix()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	claimed := make([]JobInstance, 0, len(res))
	for _, raw := range res {
		fields, ok := raw.([]any)
		if !ok || len(fields) != 5 {
			return nil, fmt.Errorf("failed to claim due jobs: unexpected reply %v", raw)
		}
		values := make([]string, len(fields))
		for i, f := range fields {
			values[i], _ = f.(string)
		}
		id, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse job id %q: %w", values[0], err)
		}
		instance, err := redisInstance(id, map[string]string{
			"schedule":    values[1],
			"function_id": values[2],
			"data":        values[3],
			"fire_at":     values[4],
			"claimant":    claimant,
		})
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, instance)
	}
	sortByFireAt(claimed)
	return claimed, nil
}

// completeAttempts bounds how often Complete retries when the row changes
// between WATCH and EXEC, e.g. a concurrent Release.
const completeAttempts = 5

func (r *RedisJobRepository) Complete(ctx context.Context, id int64, next *NewJobInstance) (int64, error) {
	var nextID int64
	if next != nil {
		var err error
		nextID, err = r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate job id: %w", err)
		}
	}

	key := r.jobKey(id)
	complete := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("complete job %d: %w", id, ErrNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, r.dueKey(), strconv.FormatInt(id, 10))
			if next != nil {
				r.queueInsert(ctx, pipe, nextID, *next)
			}
			return nil
		})
		return err
	}

	var err error
	for range completeAttempts {
		err = r.client.Watch(ctx, complete, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nextID, nil
}

func (r *RedisJobRepository) Delete(ctx context.Context, id int64) error {
	var deleted *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, r.jobKey(id))
		pipe.ZRem(ctx, r.dueKey(), strconv.FormatInt(id, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if deleted.Val() == 0 {
		return fmt.Errorf("delete job %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *RedisJobRepository) Release(ctx context.Context, id int64, claimant string) error {
	released, err := releaseScript.Run(ctx, r.client, []string{r.jobKey(id)}, claimant).Int()
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	if released == 0 {
		return fmt.Errorf("release job %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *RedisJobRepository) List(ctx context.Context, filter ListFilter) ([]JobInstance, error) {
	members, err := r.client.ZRange(ctx, r.dueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	ids := make([]int64, len(members))
	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			id, err := strconv.ParseInt(member, 10, 64)
			if err != nil {
				return fmt.Errorf("failed to parse job id %q: %w", member, err)
			}
			ids[i] = id
			cmds[i] = pipe.HGetAll(ctx, r.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var instances []JobInstance
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		if filter.FunctionID != "" && fields["function_id"] != filter.FunctionID {
			continue
		}
		instance, err := redisInstance(ids[i], fields)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	sortByFireAt(instances)
	if filter.Limit > 0 && len(instances) > filter.Limit {
		instances = instances[:filter.Limit]
	}
	return instances, nil
}

func redisInstance(id int64, fields map[string]string) (JobInstance, error) {
	fireAt, err := time.Parse(time.RFC3339Nano, fields["fire_at"])
	if err != nil {
		return JobInstance{}, fmt.Errorf("failed to parse fire_at of job %d: %w", id, err)
	}
	instance := JobInstance{
		ID:         id,
		Schedule:   fields["schedule"],
		FunctionID: fields["function_id"],
		Data:       []byte(fields["data"]),
		FireAt:     fireAt.UTC(),
	}
	if owner, ok := fields["claimant"]; ok && owner != "" {
		instance.Claimant = &owner
	}
	return instance, nil
}

var _ JobRepository = (*RedisJobRepository)(nil)
