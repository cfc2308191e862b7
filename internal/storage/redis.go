package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	wbfredis "github.com/wb-go/wbf/redis"
	wbfretry "github.com/wb-go/wbf/retry"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

const (
	subsKeyPrefix  = "push:subs:"
	orderKeyPrefix = "push:order:"
	jobKeyPrefix   = "push:job:"
	pendingJobsKey = "push:jobs:pending"
)

// upsertScript replaces the endpoint in place when its identity key is
// already registered and appends it otherwise. Returns {index, created, total}.
var upsertScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	local order = redis.call('LRANGE', KEYS[2], 0, -1)
	for i, k in ipairs(order) do
		if k == ARGV[1] then
			return {i - 1, 0, #order}
		end
	end
	return {-1, 0, #order}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local n = redis.call('RPUSH', KEYS[2], ARGV[1])
return {n - 1, 1, n}
`)

var opStrategy = wbfretry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}

// RedisStorage is a Registry and JobStore shared by every process pointed at
// the same Redis instance.
type RedisStorage struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisStorage(addr string, logger zerolog.Logger) (*RedisStorage, error) {
	wbfClient := wbfredis.New(addr, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	retryStrategy := wbfretry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}

	var pingErr error
	err := wbfretry.DoContext(ctx, retryStrategy, func() error {
		pingErr = wbfClient.Ping(ctx)
		return pingErr
	})

	if err != nil || pingErr != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger = logger.With().Str("component", "redis_storage").Logger()
	logger.Info().Str("addr", addr).Msg("connected to Redis")

	return &RedisStorage{
		client: wbfClient.Client,
		logger: logger,
	}, nil
}

func (s *RedisStorage) Upsert(ctx context.Context, userID string, endpoint models.Endpoint) (UpsertResult, error) {
	if err := validateUpsert(userID, endpoint); err != nil {
		return UpsertResult{}, err
	}

	data, err := json.Marshal(endpoint)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal endpoint: %w", err)
	}

	keys := []string{subsKeyPrefix + userID, orderKeyPrefix + userID}

	var raw interface{}
	err = wbfretry.DoContext(ctx, opStrategy, func() error {
		var runErr error
		raw, runErr = upsertScript.Run(ctx, s.client, keys, endpoint.Key(), data).Result()
		return runErr
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert endpoint: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return UpsertResult{}, fmt.Errorf("unexpected upsert reply %v", raw)
	}

	idx, _ := vals[0].(int64)
	created, _ := vals[1].(int64)
	total, _ := vals[2].(int64)

	return UpsertResult{Index: int(idx), Created: created == 1, Total: int(total)}, nil
}

func (s *RedisStorage) ListEndpoints(ctx context.Context, userID string) ([]models.Endpoint, error) {
	var order []string
	err := wbfretry.DoContext(ctx, opStrategy, func() error {
		var getErr error
		order, getErr = s.client.LRange(ctx, orderKeyPrefix+userID, 0, -1).Result()
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint order: %w", err)
	}

	endpoints := make([]models.Endpoint, 0, len(order))
	if len(order) == 0 {
		return endpoints, nil
	}

	var values []interface{}
	err = wbfretry.DoContext(ctx, opStrategy, func() error {
		var getErr error
		values, getErr = s.client.HMGet(ctx, subsKeyPrefix+userID, order...).Result()
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints: %w", err)
	}

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			s.logger.Warn().Str("user_id", userID).Str("endpoint", order[i]).Msg("endpoint listed but missing from hash")
			continue
		}

		var endpoint models.Endpoint
		if err := json.Unmarshal([]byte(str), &endpoint); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Int("index", i).Msg("skipping malformed stored endpoint")
			continue
		}
		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

func (s *RedisStorage) SaveJob(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = wbfretry.DoContext(ctx, opStrategy, func() error {
		_, txErr := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKeyPrefix+job.ID, data, 0)
			pipe.ZAdd(ctx, pendingJobsKey, &redis.Z{
				Score:  float64(job.FireAt.UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		return txErr
	})
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	return nil
}

func (s *RedisStorage) DeleteJob(ctx context.Context, id string) error {
	err := wbfretry.DoContext(ctx, opStrategy, func() error {
		_, txErr := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, jobKeyPrefix+id)
			pipe.ZRem(ctx, pendingJobsKey, id)
			return nil
		})
		return txErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

func (s *RedisStorage) PendingJobs(ctx context.Context) ([]*models.Job, error) {
	ids, err := s.client.ZRange(ctx, pendingJobsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending job IDs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, jobKeyPrefix+id).Bytes()
		if err == redis.Nil {
			s.client.ZRem(ctx, pendingJobsKey, id)
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("failed to load pending job")
			continue
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("skipping malformed pending job")
			continue
		}
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
