package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Locker hands out exclusive, expiring leases on keys. Acquire returns
// ok=false when someone else holds the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	lock sync.Mutex
	held map[string]localLease
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localLease{}}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if key == "" {
		return nil, false, errors.New("lease: empty key")
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	now := time.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := ulid.Make().String()
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return func() {
		l.lock.Lock()
		defer l.lock.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, true, nil
}

// Redis is a Locker shared by every process using the same redis server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if key == "" {
		return nil, false, errors.New("lease: empty key")
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	k := r.prefix + key
	token := ulid.Make().String()
	status, err := r.client.SetArgs(ctx, k, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lease: couldn't set %s: %w", k, err)
	}
	if status != "OK" {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
	}, true, nil
}

// Dial connects to redis and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: couldn't ping redis %s: %w", addr, err)
	}
	return client, nil
}
