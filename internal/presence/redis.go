package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"coedit/api/internal/apperr"
)

// refreshLua extends every key of a session, participant hashes included,
// so a session's presence expires as one unit once nobody is active.
//
// KEYS[1] join sequence, KEYS[2] member set, KEYS[3] join order hash
// ARGV[1] participant key prefix, ARGV[2] ttl in milliseconds
const refreshLua = `
for _, user in ipairs(redis.call("SMEMBERS", KEYS[2])) do
	redis.call("PEXPIRE", ARGV[1] .. user, ARGV[2])
end
for i = 1, 3 do
	redis.call("PEXPIRE", KEYS[i], ARGV[2])
end
`

// joinScript reuses the join order recorded for the user in this session,
// allocating the next one only on a first join, and resets leftAt.
//
// KEYS as refreshLua, KEYS[4] participant hash
// ARGV as refreshLua, ARGV[3] user id, ARGV[4] joinedAt
var joinScript = redis.NewScript(`
local order = redis.call("HGET", KEYS[3], ARGV[3])
if not order then
	order = tostring(redis.call("INCR", KEYS[1]) - 1)
	redis.call("HSET", KEYS[3], ARGV[3], order)
end
redis.call("HSET", KEYS[4], "order", order, "userId", ARGV[3], "joinedAt", ARGV[4], "leftAt", "")
redis.call("SADD", KEYS[2], ARGV[3])
` + refreshLua + `
return tonumber(order)
`)

var refreshScript = redis.NewScript(refreshLua)

// RedisTracker keeps presence in Redis so every API replica sees the same
// participant set. Keys expire after ttl without activity.
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisTracker(redisURL string, ttl time.Duration) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisTrackerWithClient(client, ttl), nil
}

func NewRedisTrackerWithClient(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTracker{
		client: client,
		prefix: "presence:session:",
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (t *RedisTracker) participantPrefix(sessionID string) string {
	return t.prefix + sessionID + ":p:"
}

func (t *RedisTracker) participantKey(sessionID, userID string) string {
	return t.participantPrefix(sessionID) + userID
}

func (t *RedisTracker) seqKey(sessionID string) string {
	return t.prefix + sessionID + ":seq"
}

func (t *RedisTracker) membersKey(sessionID string) string {
	return t.prefix + sessionID + ":members"
}

func (t *RedisTracker) ordersKey(sessionID string) string {
	return t.prefix + sessionID + ":orders"
}

func (t *RedisTracker) sessionKeys(sessionID string) []string {
	return []string{t.seqKey(sessionID), t.membersKey(sessionID), t.ordersKey(sessionID)}
}

func (t *RedisTracker) Join(ctx context.Context, sessionID, userID string) (Participant, error) {
	if err := validateIDs(sessionID, userID); err != nil {
		return Participant{}, err
	}
	keys := append(t.sessionKeys(sessionID), t.participantKey(sessionID, userID))
	joinedAt := t.now().Format(time.RFC3339Nano)
	err := joinScript.Run(ctx, t.client, keys, t.participantPrefix(sessionID), t.ttl.Milliseconds(), userID, joinedAt).Err()
	if err != nil {
		return Participant{}, fmt.Errorf("join presence: %w", err)
	}
	return t.Get(ctx, sessionID, userID)
}

func (t *RedisTracker) Leave(ctx context.Context, sessionID, userID string) (Participant, error) {
	p, err := t.Get(ctx, sessionID, userID)
	if err != nil {
		return Participant{}, err
	}
	if !p.Connected() {
		return p, nil
	}
	left := t.now()
	if err := t.write(ctx, sessionID, userID, "leftAt", left.Format(time.RFC3339Nano)); err != nil {
		return Participant{}, fmt.Errorf("leave presence: %w", err)
	}
	p.LeftAt = &left
	return p, nil
}

func (t *RedisTracker) UpdateCursor(ctx context.Context, sessionID, userID string, position int) (Participant, error) {
	if position < 0 {
		return Participant{}, apperr.Invalid("position", "must be >= 0")
	}
	p, err := t.Get(ctx, sessionID, userID)
	if err != nil {
		return Participant{}, err
	}
	if !p.Connected() {
		return Participant{}, notFound(sessionID, userID)
	}
	if err := t.write(ctx, sessionID, userID, "cursor", strconv.Itoa(position)); err != nil {
		return Participant{}, fmt.Errorf("update cursor: %w", err)
	}
	p.CursorPosition = &position
	return p, nil
}

func (t *RedisTracker) Get(ctx context.Context, sessionID, userID string) (Participant, error) {
	fields, err := t.client.HGetAll(ctx, t.participantKey(sessionID, userID)).Result()
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	if len(fields) == 0 {
		return Participant{}, notFound(sessionID, userID)
	}
	return decodeParticipant(sessionID, userID, fields)
}

func (t *RedisTracker) ListActive(ctx context.Context, sessionID string) ([]Participant, error) {
	members, err := t.client.SMembers(ctx, t.membersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence members: %w", err)
	}

	pipe := t.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, userID := range members {
		cmds[i] = pipe.HGetAll(ctx, t.participantKey(sessionID, userID))
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("load participants: %w", err)
		}
	}

	items := make([]Participant, 0, len(members))
	for i, userID := range members {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		p, err := decodeParticipant(sessionID, userID, fields)
		if err != nil {
			return nil, err
		}
		if p.Connected() {
			items = append(items, p)
		}
	}
	sortByJoinedAt(items)
	return items, nil
}

func (t *RedisTracker) Touch(ctx context.Context, sessionID, userID string) error {
	exists, err := t.client.Exists(ctx, t.participantKey(sessionID, userID)).Result()
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	if exists == 0 {
		return notFound(sessionID, userID)
	}
	return t.refresh(ctx, sessionID)
}

func (t *RedisTracker) Drop(ctx context.Context, sessionID string) error {
	members, err := t.client.SMembers(ctx, t.membersKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("list presence members: %w", err)
	}
	keys := t.sessionKeys(sessionID)
	for _, userID := range members {
		keys = append(keys, t.participantKey(sessionID, userID))
	}
	if err := t.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("drop presence: %w", err)
	}
	return nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) write(ctx context.Context, sessionID, userID, field, value string) error {
	if err := t.client.HSet(ctx, t.participantKey(sessionID, userID), field, value).Err(); err != nil {
		return err
	}
	return t.refresh(ctx, sessionID)
}

func (t *RedisTracker) refresh(ctx context.Context, sessionID string) error {
	err := refreshScript.Run(ctx, t.client, t.sessionKeys(sessionID), t.participantPrefix(sessionID), t.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

func decodeParticipant(sessionID, userID string, fields map[string]string) (Participant, error) {
	order, err := strconv.Atoi(fields["order"])
	if err != nil {
		return Participant{}, fmt.Errorf("decode join order: %w", err)
	}
	joinedAt, err := time.Parse(time.RFC3339Nano, fields["joinedAt"])
	if err != nil {
		return Participant{}, fmt.Errorf("decode joinedAt: %w", err)
	}
	p := Participant{
		SessionID: sessionID,
		UserID:    userID,
		JoinedAt:  joinedAt,
		JoinOrder: order,
		Color:     ColorFor(order),
	}
	if raw := fields["leftAt"]; raw != "" {
		left, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Participant{}, fmt.Errorf("decode leftAt: %w", err)
		}
		p.LeftAt = &left
	}
	if raw := fields["cursor"]; raw != "" {
		pos, err := strconv.Atoi(raw)
		if err != nil {
			return Participant{}, fmt.Errorf("decode cursor: %w", err)
		}
		p.CursorPosition = &pos
	}
	return p, nil
}
