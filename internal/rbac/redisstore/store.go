// Package redisstore keeps role deletions that are inside their undo window in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// DefaultKey is the hash holding one field per role id.
const DefaultKey = "rbac:pending_deletions"

// PendingStore implements rbac.PendingDeletionRepository on a Redis hash.
type PendingStore struct {
	client *redis.Client
	key    string
}

var _ rbac.PendingDeletionRepository = (*PendingStore)(nil)

// NewPendingStore builds the store. An empty key falls back to DefaultKey.
func NewPendingStore(client *redis.Client, key string) *PendingStore {
	if key == "" {
		key = DefaultKey
	}
	return &PendingStore{client: client, key: key}
}

// LoadPendingDeletions returns every persisted record ordered by role id.
func (s *PendingStore) LoadPendingDeletions(ctx context.Context) ([]rbac.PendingDeletion, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]rbac.PendingDeletion, 0, len(raw))
	for field, value := range raw {
		var pending rbac.PendingDeletion
		if err := json.Unmarshal([]byte(value), &pending); err != nil {
			return nil, fmt.Errorf("redisstore: decode %s: %w", field, err)
		}
		out = append(out, pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

// SavePendingDeletion stores or overwrites the record for its role.
func (s *PendingStore) SavePendingDeletion(ctx context.Context, pending rbac.PendingDeletion) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, field(pending.RoleID), payload).Err()
}

// ClearPendingDeletion drops the record. Clearing a missing record is not an error.
func (s *PendingStore) ClearPendingDeletion(ctx context.Context, roleID int64) error {
	return s.client.HDel(ctx, s.key, field(roleID)).Err()
}

func field(roleID int64) string {
	return strconv.FormatInt(roleID, 10)
}
