package suppression

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a positive cache of suppressed addresses in front of the SQL
// deny-list. A hit means the address is definitely suppressed; a miss
// says nothing and falls through to the database.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// key lowercases the address so cache hits do not depend on the casing
// the caller saw the address in.
func key(tenantID, address string) string {
	return fmt.Sprintf("suppr:%s:%s", tenantID, strings.ToLower(address))
}

// MarkSuppressed records an address as suppressed for the tenant.
func (c *Cache) MarkSuppressed(ctx context.Context, tenantID, address string) error {
	return c.rdb.Set(ctx, key(tenantID, address), 1, c.ttl).Err()
}

// FilterKnown partitions addresses into those the cache knows are
// suppressed and the remainder that must be checked against the database.
func (c *Cache) FilterKnown(ctx context.Context, tenantID string, addresses []string) (suppressed map[string]bool, unknown []string, err error) {
	if len(addresses) == 0 {
		return nil, nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(addresses))
	for i, addr := range addresses {
		cmds[i] = pipe.Exists(ctx, key(tenantID, addr))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, err
	}

	suppressed = make(map[string]bool)
	for i, addr := range addresses {
		if cmds[i].Val() > 0 {
			suppressed[addr] = true
		} else {
			unknown = append(unknown, addr)
		}
	}
	return suppressed, unknown, nil
}
