// Package shortterm implements the TTL-bounded ShortTermMemory orchestrator
// step log backed by Redis. Each entry is a JSON record with its own TTL,
// indexed by a global and a per-goal sorted set scored by write time;
// recall is a ZRevRange plus per-id fetch, pruning stale index members on
// read.
package shortterm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cardloop/orchestrator/pkg/models"
)

const (
	keyPrefix   = "orchestrator:stm:"
	globalIndex = "orchestrator:stm:index"
)

// Memory is a TTL-bounded, best-effort recall store for recent orchestrator
// loop activity. Entries expire on their own (Redis TTL); ShortTermMemory
// never needs to remain consistent across a restart.
type Memory struct {
	client    *redis.Client
	retention time.Duration
}

// New builds a Memory against an already-connected Redis client, retaining
// entries for retention before they expire.
func New(client *redis.Client, retention time.Duration) *Memory {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Memory{client: client, retention: retention}
}

func recordKey(id string) string {
	return keyPrefix + id
}

func goalIndex(goalID string) string {
	return keyPrefix + "goal:" + goalID
}

// Record appends a new OrchestratorLog entry, expiring after the configured
// retention window.
func (m *Memory) Record(ctx context.Context, entryType, content, entryContext, goalID string) (*models.OrchestratorLog, error) {
	now := time.Now()
	entry := &models.OrchestratorLog{
		ID:        uuid.NewString(),
		Type:      entryType,
		Content:   content,
		Context:   entryContext,
		GoalID:    goalID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.retention),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("shortterm: marshaling entry: %w", err)
	}

	key := recordKey(entry.ID)
	if err := m.client.Set(ctx, key, data, m.retention).Err(); err != nil {
		return nil, fmt.Errorf("shortterm: writing entry: %w", err)
	}

	score := float64(now.UnixNano())
	if err := m.client.ZAdd(ctx, globalIndex, redis.Z{Score: score, Member: entry.ID}).Err(); err != nil {
		return nil, fmt.Errorf("shortterm: indexing entry: %w", err)
	}
	_ = m.client.PExpire(ctx, globalIndex, m.retention*2)

	if goalID != "" {
		idx := goalIndex(goalID)
		if err := m.client.ZAdd(ctx, idx, redis.Z{Score: score, Member: entry.ID}).Err(); err != nil {
			return nil, fmt.Errorf("shortterm: indexing entry under goal: %w", err)
		}
		_ = m.client.PExpire(ctx, idx, m.retention*2)
	}

	return entry, nil
}

// Recent returns up to limit entries, newest first, optionally restricted to
// goalID and to one of types.
func (m *Memory) Recent(ctx context.Context, limit int, types []string, goalID string) ([]models.OrchestratorLog, error) {
	if limit <= 0 {
		limit = 50
	}

	idx := globalIndex
	if goalID != "" {
		idx = goalIndex(goalID)
	}

	// Overfetch since type filtering happens client-side and some ids may
	// have already expired out from under the index.
	ids, err := m.client.ZRevRange(ctx, idx, 0, int64(limit*3-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("shortterm: listing recent entries: %w", err)
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	entries := make([]models.OrchestratorLog, 0, limit)
	for _, id := range ids {
		if len(entries) >= limit {
			break
		}
		raw, err := m.client.Get(ctx, recordKey(id)).Result()
		if err == redis.Nil {
			_ = m.client.ZRem(ctx, idx, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shortterm: fetching entry %s: %w", id, err)
		}

		var entry models.OrchestratorLog
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if len(typeSet) > 0 && !typeSet[entry.Type] {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ContextSummary renders the most recent entries as a short human-readable
// digest suitable for feeding back into an agent prompt.
func (m *Memory) ContextSummary(ctx context.Context, goalID string, limit int) (string, error) {
	entries, err := m.Recent(ctx, limit, nil, goalID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Content)
	}
	return b.String(), nil
}

// CleanupExpired removes index entries whose underlying record has already
// expired. Redis expires the record keys itself; this only prunes the
// sorted-set indexes so they don't grow unbounded with dead references.
func (m *Memory) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, idx := range append([]string{globalIndex}, m.goalIndexes(ctx)...) {
		ids, err := m.client.ZRange(ctx, idx, 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			exists, err := m.client.Exists(ctx, recordKey(id)).Result()
			if err != nil {
				continue
			}
			if exists == 0 {
				if err := m.client.ZRem(ctx, idx, id).Err(); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}

func (m *Memory) goalIndexes(ctx context.Context) []string {
	keys, err := m.client.Keys(ctx, keyPrefix+"goal:*").Result()
	if err != nil {
		return nil
	}
	return keys
}

// HealthCheck pings the underlying Redis connection.
func (m *Memory) HealthCheck(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("shortterm: health check failed: %w", err)
	}
	return nil
}
