package cache

import (
	"strings"
	"time"
)

const defaultCustomerTTL = 15 * time.Minute

// CustomerCache maps internal user ids to provider customer ids.
type CustomerCache interface {
	Get(provider, userID string) (string, bool)
	Set(provider, userID, customerID string)
}

type customerCache struct {
	entries Cache[string, string]
	ttl     time.Duration
}

func NewCustomerCache() CustomerCache {
	return &customerCache{
		entries: NewTTLCache[string, string](),
		ttl:     defaultCustomerTTL,
	}
}

func (c *customerCache) Get(provider, userID string) (string, bool) {
	return c.entries.Get(cacheKey(provider, userID))
}

func (c *customerCache) Set(provider, userID, customerID string) {
	if strings.TrimSpace(customerID) == "" {
		return
	}
	c.entries.Set(cacheKey(provider, userID), customerID, c.ttl)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
