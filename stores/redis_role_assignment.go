package stores

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisRoleAssignmentStore keeps user->role-id assignments in Redis sets
// (key: roleassign:{userID}). Session layers read it when constructing a
// Principal for a request.
type RedisRoleAssignmentStore struct {
	client *redis.Client
	keyFmt string // format string, e.g. "roleassign:%d"
}

func NewRedisRoleAssignmentStore(client *redis.Client) *RedisRoleAssignmentStore {
	return &RedisRoleAssignmentStore{client: client, keyFmt: "roleassign:%d"}
}

func (r *RedisRoleAssignmentStore) key(userID int64) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func (r *RedisRoleAssignmentStore) AssignRole(ctx context.Context, userID, roleID int64) error {
	return r.client.SAdd(ctx, r.key(userID), roleID).Err()
}

func (r *RedisRoleAssignmentStore) RevokeRole(ctx context.Context, userID, roleID int64) error {
	return r.client.SRem(ctx, r.key(userID), roleID).Err()
}

func (r *RedisRoleAssignmentStore) ListRoles(ctx context.Context, userID int64) ([]int64, error) {
	members, err := r.client.SMembers(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
