package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/stategraph/pkg/schema"
)

// RedisCheckpointer stores snapshots in Redis: one hash per execution keyed
// by label, a list preserving first-save order, and a pointer to the most
// recent label. Suited to deployments where several processes share
// checkpoint state.
type RedisCheckpointer struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCheckpointer wraps an existing Redis client. keyPrefix namespaces
// all keys; empty defaults to "stategraph".
func NewRedisCheckpointer(client redis.UniversalClient, keyPrefix string) *RedisCheckpointer {
	if keyPrefix == "" {
		keyPrefix = "stategraph"
	}
	return &RedisCheckpointer{client: client, keyPrefix: keyPrefix}
}

func (r *RedisCheckpointer) snapsKey(executionID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:snaps", r.keyPrefix, executionID)
}

func (r *RedisCheckpointer) labelsKey(executionID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:labels", r.keyPrefix, executionID)
}

func (r *RedisCheckpointer) latestKey(executionID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:latest", r.keyPrefix, executionID)
}

// savesKey holds a sorted set scoring each label by its most recent save, so
// latest can be repointed by recency when the current latest is deleted.
func (r *RedisCheckpointer) savesKey(executionID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:saves", r.keyPrefix, executionID)
}

func (r *RedisCheckpointer) seqKey(executionID string) string {
	return fmt.Sprintf("%s:checkpoint:%s:seq", r.keyPrefix, executionID)
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func (r *RedisCheckpointer) Save(ctx context.Context, snap *Snapshot) error {
	clone, err := snap.Clone()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(clone)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"marshal snapshot: %s", err.Error()).WithCause(err)
	}

	exists, err := r.client.HExists(ctx, r.snapsKey(clone.ExecutionID), clone.Label).Result()
	if err != nil {
		return storeErr("save checkpoint", err)
	}
	seq, err := r.client.Incr(ctx, r.seqKey(clone.ExecutionID)).Result()
	if err != nil {
		return storeErr("save checkpoint", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.snapsKey(clone.ExecutionID), clone.Label, raw)
	if !exists {
		pipe.RPush(ctx, r.labelsKey(clone.ExecutionID), clone.Label)
	}
	pipe.ZAdd(ctx, r.savesKey(clone.ExecutionID), redis.Z{Score: float64(seq), Member: clone.Label})
	pipe.Set(ctx, r.latestKey(clone.ExecutionID), clone.Label, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("save checkpoint", err)
	}
	return nil
}

func (r *RedisCheckpointer) Load(ctx context.Context, executionID string) (*Snapshot, error) {
	latest, err := r.client.Get(ctx, r.latestKey(executionID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound(executionID, "")
	}
	if err != nil {
		return nil, storeErr("load checkpoint", err)
	}
	return r.LoadByLabel(ctx, executionID, latest)
}

func (r *RedisCheckpointer) LoadByLabel(ctx context.Context, executionID, label string) (*Snapshot, error) {
	raw, err := r.client.HGet(ctx, r.snapsKey(executionID), label).Result()
	if err == redis.Nil {
		return nil, ErrNotFound(executionID, label)
	}
	if err != nil {
		return nil, storeErr("load checkpoint", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"snapshot is corrupt: %s", err.Error()).WithCause(err)
	}
	return &snap, nil
}

func (r *RedisCheckpointer) List(ctx context.Context, executionID string) ([]string, error) {
	labels, err := r.client.LRange(ctx, r.labelsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list checkpoints", err)
	}
	return labels, nil
}

func (r *RedisCheckpointer) Delete(ctx context.Context, executionID, label string) error {
	if label == "" {
		if err := r.client.Del(ctx,
			r.snapsKey(executionID), r.labelsKey(executionID),
			r.latestKey(executionID), r.savesKey(executionID), r.seqKey(executionID),
		).Err(); err != nil {
			return storeErr("delete checkpoints", err)
		}
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.snapsKey(executionID), label)
	pipe.LRem(ctx, r.labelsKey(executionID), 0, label)
	pipe.ZRem(ctx, r.savesKey(executionID), label)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("delete checkpoint", err)
	}

	// Repoint latest if it referenced the deleted label.
	latest, err := r.client.Get(ctx, r.latestKey(executionID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return storeErr("delete checkpoint", err)
	}
	if latest != label {
		return nil
	}
	// Most recently saved remaining label takes over.
	remaining, err := r.client.ZRevRange(ctx, r.savesKey(executionID), 0, 0).Result()
	if err != nil {
		return storeErr("delete checkpoint", err)
	}
	if len(remaining) == 0 {
		if err := r.client.Del(ctx, r.latestKey(executionID), r.seqKey(executionID)).Err(); err != nil {
			return storeErr("delete checkpoint", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, r.latestKey(executionID), remaining[0], 0).Err(); err != nil {
		return storeErr("delete checkpoint", err)
	}
	return nil
}

var _ Checkpointer = (*RedisCheckpointer)(nil)
