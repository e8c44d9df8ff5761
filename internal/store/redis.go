package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/risk"
)

const redisSnapshotCap = 1000

// RedisState keeps the processed-alert set and risk state in Redis so
// several mirror processes can share them. The processed set is a sorted
// set scored by alert time.
type RedisState struct {
	client *redis.Client
	prefix string
}

func NewRedisState(ctx context.Context, cfg config.Redis) (*RedisState, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mirror"
	}
	return &RedisState{client: client, prefix: prefix}, nil
}

func (r *RedisState) Close() error { return r.client.Close() }

func (r *RedisState) key(name string) string { return r.prefix + ":" + name }

func (r *RedisState) LoadProcessed(ctx context.Context) (map[string]time.Time, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.key("processed"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[id] = time.Unix(int64(z.Score), 0).UTC()
	}
	return out, nil
}

func (r *RedisState) SaveProcessed(ctx context.Context, id string, at time.Time) error {
	return r.client.ZAddNX(ctx, r.key("processed"), redis.Z{Score: float64(at.Unix()), Member: id}).Err()
}

func (r *RedisState) DeleteProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return r.client.ZRem(ctx, r.key("processed"), members...).Err()
}

func (r *RedisState) LoadRiskState(ctx context.Context) (risk.PersistedRisk, error) {
	var st risk.PersistedRisk
	b, err := r.client.Get(ctx, r.key(keyRiskState)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode risk state: %w", err)
	}
	return st, nil
}

func (r *RedisState) SaveRiskState(ctx context.Context, st risk.PersistedRisk) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(keyRiskState), b, 0).Err()
}

func (r *RedisState) AppendRiskSnapshot(ctx context.Context, st risk.PortfolioRiskState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	k := r.key("risk_snapshots")
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, k, b)
	pipe.LTrim(ctx, k, 0, redisSnapshotCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisState) SetLastCycle(ctx context.Context, t time.Time) error {
	return r.client.Set(ctx, r.key(keyLastCycle), t.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (r *RedisState) LastCycle(ctx context.Context) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, r.key(keyLastCycle)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, err == nil, err
}
