// Package redisdir reads session records from Redis hashes, one hash per
// session, written by the system that owns authentication.
//
// Hash layout under KeyPrefix+sessionID:
//
//	user_id      string
//	permissions  JSON array of strings
//	unit_id      string
//	role         string
//	active       "1" or "0"
//	expires_at   unix milliseconds, absent when the session never expires
package redisdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/notifycast/directory"
	"github.com/ggoodman/notifycast/notify"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis directory. Defaults can be loaded via envdecode.
type Config struct {
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string `env:"NOTIFY_DIRECTORY_KEY_PREFIX,default=notify:session:"`
}

type Directory struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

var _ directory.Store = (*Directory)(nil)

var deactivateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'active', '0')
return 1
`)

func New(cfg Config) (*Directory, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	d := NewWithClient(cl, cfg.KeyPrefix)
	d.owned = true
	return d, nil
}

// NewFromEnv builds a Directory using envdecode to populate Config.
func NewFromEnv() (*Directory, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis directory config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Directory {
	if keyPrefix == "" {
		keyPrefix = "notify:session:"
	}
	return &Directory{client: client, keyPrefix: keyPrefix}
}

func (d *Directory) Close() error {
	if d.owned {
		return d.client.Close()
	}
	return nil
}

func (d *Directory) key(sessionID string) string { return d.keyPrefix + sessionID }

func (d *Directory) Lookup(ctx context.Context, sessionID string) (*directory.Record, error) {
	fields, err := d.client.HGetAll(ctx, d.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisdir: hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", notify.ErrSessionNotFound, sessionID)
	}

	rec := &directory.Record{
		SessionID: sessionID,
		UserID:    fields["user_id"],
		UnitID:    fields["unit_id"],
		Role:      fields["role"],
		Active:    fields["active"] == "1",
	}
	if raw := fields["permissions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Permissions); err != nil {
			return nil, fmt.Errorf("redisdir: session %s permissions: %w", sessionID, err)
		}
	}
	if raw := fields["expires_at"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisdir: session %s expires_at: %w", sessionID, err)
		}
		rec.ExpiresAt = time.UnixMilli(ms)
	}
	return rec, nil
}

// Put replaces the session's hash. Sessions with an expiry also get a
// matching key expiry so Redis reclaims them.
func (d *Directory) Put(ctx context.Context, rec *directory.Record) error {
	if rec == nil || rec.SessionID == "" {
		return errors.New("redisdir: record requires a session id")
	}
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return fmt.Errorf("redisdir: encode permissions: %w", err)
	}
	active := "0"
	if rec.Active {
		active = "1"
	}
	values := map[string]any{
		"user_id":     rec.UserID,
		"permissions": string(perms),
		"unit_id":     rec.UnitID,
		"role":        rec.Role,
		"active":      active,
	}
	if !rec.ExpiresAt.IsZero() {
		values["expires_at"] = strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10)
	}

	key := d.key(rec.SessionID)
	_, err = d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, values)
		if !rec.ExpiresAt.IsZero() {
			p.PExpireAt(ctx, key, rec.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisdir: put: %w", err)
	}
	return nil
}

func (d *Directory) Delete(ctx context.Context, sessionID string) error {
	if err := d.client.Del(ctx, d.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redisdir: delete: %w", err)
	}
	return nil
}

func (d *Directory) Deactivate(ctx context.Context, sessionID string) error {
	n, err := deactivateScript.Run(ctx, d.client, []string{d.key(sessionID)}).Int()
	if err != nil {
		return fmt.Errorf("redisdir: deactivate: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notify.ErrSessionNotFound, sessionID)
	}
	return nil
}
