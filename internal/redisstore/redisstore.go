// Package redisstore persists agent registry state in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
)

const agentIndexKey = "agents"

func agentKey(id string) string {
	return fmt.Sprintf("agent:%s", id)
}

// Store keeps one JSON document per agent under agent:<id>, plus a set of
// known IDs so listing never needs KEYS.
type Store struct {
	client *redis.Client
}

// New creates a store talking to the Redis server at addr.
func New(addr string) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Ping checks if the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// UpsertAgent stores the current state of an agent. Last write wins.
func (s *Store) UpsertAgent(ctx context.Context, a model.AgentRecord) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Annotatef(err, "encode agent %q", a.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, agentKey(a.ID), data, 0)
		pipe.SAdd(ctx, agentIndexKey, a.ID)
		return nil
	})
	if err != nil {
		return errors.Annotatef(err, "store agent %q", a.ID)
	}
	return nil
}

// Agents returns every stored agent ordered by ID. Entries that fail to
// decode are skipped.
func (s *Store) Agents(ctx context.Context) ([]model.AgentRecord, error) {
	ids, err := s.client.SMembers(ctx, agentIndexKey).Result()
	if err != nil {
		return nil, errors.Annotate(err, "list agent ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = agentKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Annotate(err, "load agents")
	}
	return decodeAgents(values), nil
}

func decodeAgents(values []any) []model.AgentRecord {
	agents := make([]model.AgentRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a model.AgentRecord
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		agents = append(agents, a)
	}
	return agents
}
