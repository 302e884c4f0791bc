package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "casedesk:presence:"
	redisIndexKey  = "casedesk:presence:index"

	// presenceTTL bounds how long an abandoned session survives a crash
	presenceTTL = 24 * time.Hour
)

// Connect initializes a Redis client from URL or host:port input
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPersister stores one hash per agent plus a set indexing all hashes
type RedisPersister struct {
	client *redis.Client
}

// NewRedisPersister creates a persister backed by Redis hashes
func NewRedisPersister(client *redis.Client) *RedisPersister {
	return &RedisPersister{client: client}
}

func redisKey(tenantID, agentID string) string {
	return redisKeyPrefix + tenantID + ":" + agentID
}

// Save writes p and refreshes its TTL
func (s *RedisPersister) Save(ctx context.Context, p types.AgentPresence) error {
	key := redisKey(p.TenantID, p.AgentID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodePresence(p))
		pipe.Expire(ctx, key, presenceTTL)
		pipe.SAdd(ctx, redisIndexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// Delete removes an agent's hash and index entry
func (s *RedisPersister) Delete(ctx context.Context, tenantID, agentID string) error {
	key := redisKey(tenantID, agentID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, redisIndexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// LoadAll reads every indexed hash. Index entries whose hash expired are pruned.
func (s *RedisPersister) LoadAll(ctx context.Context) ([]types.AgentPresence, error) {
	keys, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence keys: %w", err)
	}

	out := make([]types.AgentPresence, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("load presence %s: %w", key, err)
		}
		if len(data) == 0 {
			_ = s.client.SRem(ctx, redisIndexKey, key).Err()
			continue
		}
		p, err := decodePresence(data)
		if err != nil {
			return nil, fmt.Errorf("decode presence %s: %w", key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func encodePresence(p types.AgentPresence) map[string]any {
	return map[string]any{
		"agent_id":           p.AgentID,
		"tenant_id":          p.TenantID,
		"name":               p.Name,
		"role":               string(p.Role),
		"categories":         strings.Join(p.Categories, ","),
		"work_status":        string(p.WorkStatus),
		"last_status_change": p.LastStatusChangeAt.UnixNano(),
		"login_at":           p.LoginAt.UnixNano(),
		"accumulated_ns":     int64(p.AccumulatedActive),
	}
}

func decodePresence(data map[string]string) (types.AgentPresence, error) {
	p := types.AgentPresence{
		AgentID:    data["agent_id"],
		TenantID:   data["tenant_id"],
		Name:       data["name"],
		Role:       types.Role(data["role"]),
		WorkStatus: types.WorkStatus(data["work_status"]),
	}
	if p.AgentID == "" || p.TenantID == "" {
		return types.AgentPresence{}, fmt.Errorf("missing agent or tenant id")
	}
	if raw := data["categories"]; raw != "" {
		p.Categories = strings.Split(raw, ",")
	}

	var err error
	if p.LastStatusChangeAt, err = parseUnixNano(data["last_status_change"]); err != nil {
		return types.AgentPresence{}, fmt.Errorf("last_status_change: %w", err)
	}
	if p.LoginAt, err = parseUnixNano(data["login_at"]); err != nil {
		return types.AgentPresence{}, fmt.Errorf("login_at: %w", err)
	}
	if raw := data["accumulated_ns"]; raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.AgentPresence{}, fmt.Errorf("accumulated_ns: %w", err)
		}
		p.AccumulatedActive = time.Duration(ns)
	}
	return p, nil
}

func parseUnixNano(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}
