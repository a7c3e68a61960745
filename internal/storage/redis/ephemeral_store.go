package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

const scanCount = 500

// EphemeralStore implements interfaces.EphemeralStore on Redis so that the server and a
// standalone reconciler process can share stage results.
type EphemeralStore struct {
	client          *redis.Client
	prefix          string
	headerRetention time.Duration
	logger          arbor.ILogger
}

// NewEphemeralStore connects to Redis and verifies the connection
func NewEphemeralStore(ctx context.Context, logger arbor.ILogger, config *common.RedisConfig, headerRetention time.Duration) (*EphemeralStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Info().Str("addr", config.Addr).Int("db", config.DB).Msg("Redis ephemeral store connected")

	return &EphemeralStore{
		client:          client,
		prefix:          config.Prefix,
		headerRetention: headerRetention,
		logger:          logger,
	}, nil
}

// Set stores value under key with SET EX
func (s *EphemeralStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key
func (s *EphemeralStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Exists reports whether key is present
func (s *EphemeralStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes key
func (s *EphemeralStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Scan walks keys matching prefix with SCAN MATCH and fetches values with one pipelined GET per page
func (s *EphemeralStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	var cursor uint64
	match := escapeGlob(s.prefix+prefix) + "*"

	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return fmt.Errorf("failed to scan prefix %q: %w", prefix, err)
		}

		if len(keys) > 0 {
			pipe := s.client.Pipeline()
			cmds := make([]*redis.StringCmd, len(keys))
			for i, k := range keys {
				cmds[i] = pipe.Get(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to fetch scanned keys: %w", err)
			}

			for i, cmd := range cmds {
				value, err := cmd.Bytes()
				if err != nil {
					// Expired between SCAN and GET
					continue
				}
				if err := fn(strings.TrimPrefix(keys[i], s.prefix), value); err != nil {
					return err
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// PutSessionHeader stores the header as JSON with the header retention as TTL
func (s *EphemeralStore) PutSessionHeader(ctx context.Context, header *models.SessionHeader) error {
	if header.SessionID == "" {
		return fmt.Errorf("session header requires a session id")
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now()
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal session header: %w", err)
	}
	if err := s.client.Set(ctx, s.headerKey(header.SessionID), data, s.headerRetention).Err(); err != nil {
		return fmt.Errorf("failed to store session header %s: %w", header.SessionID, err)
	}
	return nil
}

// GetSessionHeader loads a session header
func (s *EphemeralStore) GetSessionHeader(ctx context.Context, sessionID string) (*models.SessionHeader, error) {
	data, err := s.client.Get(ctx, s.headerKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session header %s: %w", sessionID, err)
	}

	var header models.SessionHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode session header %s: %w", sessionID, err)
	}
	return &header, nil
}

// PurgeSessionHeaders is handled by key expiry in Redis
func (s *EphemeralStore) PurgeSessionHeaders(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

// Close closes the Redis client
func (s *EphemeralStore) Close() error {
	return s.client.Close()
}

func (s *EphemeralStore) key(k string) string {
	return s.prefix + k
}

func (s *EphemeralStore) headerKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

// escapeGlob escapes the SCAN MATCH metacharacters in a literal prefix
func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(s)
}

var _ interfaces.EphemeralStore = (*EphemeralStore)(nil)
