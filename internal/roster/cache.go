package roster

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// emptyMarker keeps an empty roster distinguishable from a cache miss.
const emptyMarker = "\x00"

// CachedDirectory keeps enrolled-subject sets in Redis so status queries
// and door cameras do not hit Postgres for every lookup. Redis failures fall
// through to the underlying directory.
type CachedDirectory struct {
	Directory
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewCachedDirectory wraps next with a Redis set cache.
func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration, log *zap.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedDirectory{Directory: next, client: client, ttl: ttl, log: log}
}

func rosterKey(sectionID string) string { return "roster:" + sectionID }

func (c *CachedDirectory) EnrolledSubjects(ctx context.Context, sectionID string) ([]string, error) {
	key := rosterKey(sectionID)
	members, err := c.client.SMembers(ctx, key).Result()
	if err == nil && len(members) > 0 {
		return withoutMarker(members), nil
	}
	if err != nil {
		c.log.Debug("roster cache read failed", zap.String("section_id", sectionID), zap.Error(err))
	}

	ids, err := c.Directory.EnrolledSubjects(ctx, sectionID)
	if err != nil {
		return nil, err
	}

	values := make([]any, 0, len(ids)+1)
	values = append(values, emptyMarker)
	for _, id := range ids {
		values = append(values, id)
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, values...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("roster cache write failed", zap.String("section_id", sectionID), zap.Error(err))
	}
	return ids, nil
}

func withoutMarker(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != emptyMarker {
			out = append(out, m)
		}
	}
	return out
}
